package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/climbfuji/pario/internal/logger"
	"github.com/climbfuji/pario/pkg/comm/tcpcomm"
	"github.com/climbfuji/pario/pkg/config"
	"github.com/climbfuji/pario/pkg/iosystem"
	"github.com/climbfuji/pario/pkg/metrics"
	"github.com/climbfuji/pario/pkg/pario"
	"github.com/climbfuji/pario/pkg/pioerr"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Launch this process as one rank of a tcpcomm-backed IOSystem",
	Long: `serve dials every peer named in the topology section of the config
file, brings up an IOSystem over the resulting tcpcomm.Communicator, and
then:
  - an I/O-role rank (async mode) blocks in ServeIOSystem, dispatching
    WriteDarray/ReadDarray/FileSync/FileClose on the compute side's behalf
  - every other rank blocks until SIGINT/SIGTERM, then calls Shutdown so
    any I/O-role peers return from ServeIOSystem

serve itself issues no File/WriteDarray calls -- it is the process
skeleton a real workload embeds pario's API calls into; see pkg/pario's
own tests for the full setup-call sequence a workload runs before
reaching this point.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.ToLoggerConfig()); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	policy, err := config.ErrorPolicyFromString(cfg.ErrorPolicy)
	if err != nil {
		return fmt.Errorf("error policy: %w", err)
	}
	if err := pario.SetErrorHandler(pioerr.ScopeGlobal, 0, 0, policy); err != nil {
		return fmt.Errorf("set error handler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ErrorCtx(ctx, "metrics server error", "error", err)
			}
		}()
		defer srv.Close()
		logger.InfoCtx(ctx, "metrics endpoint enabled", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	c, err := tcpcomm.New(ctx, cfg.Topology.Rank, cfg.Topology.Peers)
	if err != nil {
		return fmt.Errorf("dial topology peers: %w", err)
	}
	defer c.Close()

	iosysid, ioProc, err := bringUpIOSystem(ctx, cfg, c)
	if err != nil {
		return err
	}
	if err := pario.SetIOSystemTuning(iosysid, cfg.Rearranger.Blocksize, int(cfg.Rearranger.MaxBufferedBytes)); err != nil {
		return fmt.Errorf("apply rearranger tuning: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Only an async IOSystem's I/O ranks block in ServeIOSystem: its
	// dispatch loop is a Bcast collective over the whole of sys.Union,
	// which only async-mode WriteDarray/ReadDarray/FileSync/FileClose
	// calls ever answer from the compute side (see pario.WriteDarray).
	// An intracomm IOSystem's I/O ranks call the backend directly, so
	// they take the same wait-for-signal path as a compute rank.
	if cfg.Topology.Mode == "async" && ioProc {
		logger.InfoCtx(ctx, "serving as I/O rank", "rank", cfg.Topology.Rank)
		serveDone := make(chan error, 1)
		go func() { serveDone <- pario.ServeIOSystem(ctx, iosysid) }()
		select {
		case <-sigCh:
			logger.InfoCtx(ctx, "signal received, I/O rank will return once Shutdown is broadcast")
			return <-serveDone
		case err := <-serveDone:
			return err
		}
	}

	logger.InfoCtx(ctx, "waiting for shutdown signal", "rank", cfg.Topology.Rank, "io_proc", ioProc)
	<-sigCh
	logger.InfoCtx(ctx, "shutdown signal received")
	if cfg.Topology.Mode == "async" {
		if err := pario.Shutdown(ctx, iosysid); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return pario.IOSystemFree(iosysid)
}

func bringUpIOSystem(ctx context.Context, cfg *config.Config, c *tcpcomm.Communicator) (iosysid int, ioProc bool, err error) {
	switch cfg.Topology.Mode {
	case "async":
		components := make([]iosystem.ComponentSpec, len(cfg.Topology.Components))
		for i, comp := range cfg.Topology.Components {
			components[i] = iosystem.ComponentSpec{ProcList: comp.ProcList}
		}
		ids, err := pario.IOSystemInitAsync(ctx, c, cfg.Topology.IOProcList, components, cfg.Rearranger.Default)
		if err != nil {
			return 0, false, fmt.Errorf("init async iosystem: %w", err)
		}
		for _, p := range cfg.Topology.IOProcList {
			if p == cfg.Topology.Rank {
				return ids[0], true, nil
			}
		}
		return ids[0], false, nil
	default:
		id, err := pario.IOSystemInitIntracomm(ctx, c, cfg.Topology.NumIOTasks, cfg.Topology.Stride, cfg.Topology.Base, cfg.Rearranger.Default)
		if err != nil {
			return 0, false, fmt.Errorf("init intracomm iosystem: %w", err)
		}
		isIO, err := pario.IsIOProc(id)
		if err != nil {
			return 0, false, err
		}
		return id, isIO, nil
	}
}
