package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/climbfuji/pario/pkg/backend/localfile"
	"github.com/climbfuji/pario/pkg/comm/localcomm"
	"github.com/climbfuji/pario/pkg/ncdecomp"
)

var decompCmd = &cobra.Command{
	Use:   "decomp",
	Short: "Inspect persisted decompositions",
}

var (
	decompNDims     int
	decompNTasks    int
	decompMaxMaplen int
)

var decompInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Dump a decomposition written by ncdecomp.WriteNcDecomp",
	Long: `inspect opens a local file written by ncdecomp.WriteNcDecomp and
prints its stored map, rearranger tag, and metadata.

localfile has no schema-inquiry-on-open (see pkg/ncdecomp's package doc),
so the file's Layout -- the same {ndims, ntasks, max-maplen} triple
WriteNcDecomp returned at write time -- must be supplied via flags; a
real netCDF-family backend would make this command need none of them.`,
	Args: cobra.ExactArgs(1),
	RunE: runDecompInspect,
}

func init() {
	decompInspectCmd.Flags().IntVar(&decompNDims, "ndims", 0, "number of global dimensions the file was written with (required)")
	decompInspectCmd.Flags().IntVar(&decompNTasks, "ntasks", 0, "number of tasks the file was written with (required)")
	decompInspectCmd.Flags().IntVar(&decompMaxMaplen, "maxmaplen", 0, "max per-task map length the file was written with (required)")
	_ = decompInspectCmd.MarkFlagRequired("ndims")
	_ = decompInspectCmd.MarkFlagRequired("ntasks")
	_ = decompInspectCmd.MarkFlagRequired("maxmaplen")
	decompCmd.AddCommand(decompInspectCmd)
}

func runDecompInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	layout := ncdecomp.Layout{NDims: decompNDims, NTasks: decompNTasks, MaxMaplen: decompMaxMaplen}

	be, err := localfile.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer be.Close(context.Background())

	c := localcomm.New(1)[0]
	d, rearrangerTag, meta, err := ncdecomp.ReadNcDecomp(cmd.Context(), c, be, layout)
	if err != nil {
		return fmt.Errorf("read decomposition: %w", err)
	}

	cmd.Printf("file:        %s\n", path)
	cmd.Printf("rearranger:  %s\n", rearrangerTag)
	cmd.Printf("global dims: %v\n", d.GlobalDims)
	cmd.Printf("title:       %s\n", meta.Title)
	cmd.Printf("history:     %s\n", meta.History)
	cmd.Printf("source:      %s\n", meta.Source)
	cmd.Printf("backtrace:   %s\n", meta.Backtrace)
	cmd.Printf("array order: %s\n", meta.ArrayOrder)
	cmd.Printf("rank 0 map:  %v\n", d.CompMap)
	return nil
}
