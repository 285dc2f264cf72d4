package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/decomp"
	"github.com/climbfuji/pario/pkg/flowctl"
	"github.com/climbfuji/pario/pkg/metrics"
	"github.com/climbfuji/pario/pkg/rearrange"
	"github.com/climbfuji/pario/pkg/rearrange/box"
	"github.com/climbfuji/pario/pkg/rearrange/subset"
)

var (
	benchRearranger   string
	benchNTasks       int
	benchNIOTasks     int
	benchElemsPerTask int
	benchIterations   int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Micro-benchmarks for pario's internals",
}

var benchRearrangeCmd = &cobra.Command{
	Use:   "rearrange",
	Short: "Drive a synthetic compute<->IO exchange and report throughput",
	Long: `rearrange runs box or subset's ComputeToIO/IOToCompute exchange
over an in-process localcomm process group (one goroutine per simulated
task, see pkg/comm/localcomm) with a synthetic, evenly striped
decomposition, and reports elapsed time and aggregate throughput. It
also hands the elapsed time to metrics.GetRecorder().ObserveRearrange;
bench never calls metrics.InitRegistry, so that recorder is nil, the
observation is dropped, and no metric is printed.`,
	RunE: runBenchRearrange,
}

func init() {
	benchRearrangeCmd.Flags().StringVar(&benchRearranger, "rearranger", "box", "box or subset")
	benchRearrangeCmd.Flags().IntVar(&benchNTasks, "tasks", 4, "simulated compute task count")
	benchRearrangeCmd.Flags().IntVar(&benchNIOTasks, "io-tasks", 2, "simulated I/O task count")
	benchRearrangeCmd.Flags().IntVar(&benchElemsPerTask, "elems-per-task", 1024, "int64 elements each compute task contributes")
	benchRearrangeCmd.Flags().IntVar(&benchIterations, "iterations", 10, "number of ComputeToIO/IOToCompute round trips to time")
	benchCmd.AddCommand(benchRearrangeCmd)
}

func runBenchRearrange(cmd *cobra.Command, args []string) error {
	if benchRearranger != "box" && benchRearranger != "subset" {
		return fmt.Errorf("bench rearrange: --rearranger must be box or subset, got %q", benchRearranger)
	}
	if benchNTasks <= 0 || benchNIOTasks <= 0 || benchElemsPerTask <= 0 || benchIterations <= 0 {
		return fmt.Errorf("bench rearrange: --tasks, --io-tasks, --elems-per-task, --iterations must all be positive")
	}

	recorder := metrics.GetRecorder()

	const elemSize = 8
	const flowPending = flowctl.DefaultMaxPending
	comms := localcomm.New(benchNTasks)
	globalDims := []int{benchNTasks * benchElemsPerTask}

	ctx := cmd.Context()
	var elapsed time.Duration
	var g errgroup.Group
	for r := 0; r < benchNTasks; r++ {
		r := r
		g.Go(func() error {
			compMap := make([]int64, benchElemsPerTask)
			base := int64(r*benchElemsPerTask) + 1
			for i := range compMap {
				compMap[i] = base + int64(i)
			}
			d := decomp.New(globalDims, compMap)
			if err := decomp.Normalize(ctx, comms[r], d); err != nil {
				return fmt.Errorf("normalize rank %d: %w", r, err)
			}

			var rr *rearrange.Rearranger
			var err error
			switch benchRearranger {
			case "box":
				rr, err = box.New(ctx, comms[r], d, benchNIOTasks, flowPending, elemSize, nil, false, 0)
			default:
				rr, err = subset.New(ctx, comms[r], d, benchNIOTasks, flowPending, elemSize, nil, false)
			}
			if err != nil {
				return fmt.Errorf("build rearranger rank %d: %w", r, err)
			}

			compBuf := make([]byte, benchElemsPerTask*elemSize)

			start := time.Now()
			for iter := 0; iter < benchIterations; iter++ {
				ioBuf, _, err := rr.ComputeToIO(ctx, compBuf)
				if err != nil {
					return fmt.Errorf("computeToIO rank %d iter %d: %w", r, iter, err)
				}
				if _, err := rr.IOToCompute(ctx, ioBuf); err != nil {
					return fmt.Errorf("ioToCompute rank %d iter %d: %w", r, iter, err)
				}
			}
			if r == 0 {
				elapsed = time.Since(start)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	recorder.ObserveRearrange("roundtrip", benchRearranger, elapsed)

	totalBytes := int64(benchNTasks) * int64(benchElemsPerTask) * elemSize * int64(benchIterations) * 2
	bytesPerSec := uint64(float64(totalBytes) / elapsed.Seconds())
	cmd.Printf("rearranger:    %s\n", benchRearranger)
	cmd.Printf("tasks:         %d compute, %d io\n", benchNTasks, benchNIOTasks)
	cmd.Printf("iterations:    %d\n", benchIterations)
	cmd.Printf("data moved:    %s\n", humanize.Bytes(uint64(totalBytes)))
	cmd.Printf("elapsed:       %s\n", elapsed)
	cmd.Printf("throughput:    %s/s\n", humanize.Bytes(bytesPerSec))
	return nil
}
