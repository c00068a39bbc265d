// Command sxflasher drives one S1-boot flashing run against a firmware
// delivery directory: connect, check battery, activate flash mode,
// repartition, flash SIN/TA payloads and the selected boot delivery
// config, set the active slot, deactivate flash mode and sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/remittor/sxflasher/internal/clipboardreport"
	"github.com/remittor/sxflasher/internal/config"
	"github.com/remittor/sxflasher/internal/orchestrator"
	"github.com/remittor/sxflasher/internal/protocol"
	"github.com/remittor/sxflasher/internal/status"
	"github.com/remittor/sxflasher/internal/sxlog"
	"github.com/remittor/sxflasher/internal/transport"
	"github.com/remittor/sxflasher/internal/tui"
)

const (
	exitOK    = 0
	exitUsage = 1
	exitFail  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	standalone := cfg.DumpTA != "" || cfg.PowerDown
	if !standalone && cfg.Dir == "" {
		fmt.Fprintln(os.Stderr, "sxflasher: --dir is required")
		return exitUsage
	}
	if standalone && cfg.Test >= 100 {
		fmt.Fprintln(os.Stderr, "sxflasher: --dump-ta/--powerdown need a real attached device, not --test >= 100")
		return exitUsage
	}

	logDir := cfg.Dir
	if logDir == "" {
		logDir = cfg.DumpTA
	}
	if logDir == "" {
		logDir = "."
	}
	logger, err := sxlog.New(logDir, cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFail
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, closeEng, err := openEngine(cfg)
	if err != nil {
		logger.Critical(err)
		return exitFail
	}
	defer closeEng()

	switch {
	case cfg.DumpTA != "":
		return runDumpTA(ctx, cfg, eng, logger)
	case cfg.PowerDown:
		return runPowerDown(ctx, cfg, eng, logger)
	default:
		return runFlash(ctx, cfg, eng, logger)
	}
}

func runPowerDown(ctx context.Context, cfg config.Config, eng *protocol.Engine, logger *sxlog.Logger) int {
	orch := orchestrator.New(eng, logger, nil)
	if err := orch.Connect(ctx, cfg.Test); err != nil {
		logger.Critical(err)
		return exitFail
	}
	if err := orch.PowerDown(ctx); err != nil {
		logger.Critical(err)
		return exitFail
	}
	logger.Infof("powerdown sent")
	return exitOK
}

func runDumpTA(ctx context.Context, cfg config.Config, eng *protocol.Engine, logger *sxlog.Logger) int {
	orch := orchestrator.New(eng, logger, nil)
	if err := orch.Connect(ctx, cfg.Test); err != nil {
		logger.Critical(err)
		return exitFail
	}
	root, err := orch.DumpAllTAToDir(ctx, cfg.DumpTA)
	if err != nil {
		logger.Critical(err)
		return exitFail
	}
	logger.Infof("TA dump written to %s", root)
	return exitOK
}

func runFlash(ctx context.Context, cfg config.Config, eng *protocol.Engine, logger *sxlog.Logger) int {
	logger.Infof("sxflasher starting: dir=%s test=%d", cfg.Dir, cfg.Test)

	events := make(chan orchestrator.Event, 64)
	orch := orchestrator.New(eng, logger, events)

	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.NewServer()
		go func() {
			if err := statusSrv.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
				logger.Warnf("status API stopped: %v", err)
			}
		}()
	}

	var tuiCh chan orchestrator.Event
	if cfg.TUI {
		tuiCh = make(chan orchestrator.Event, 64)
		go func() {
			if err := tui.Run(tuiCh); err != nil {
				logger.Warnf("tui exited: %v", err)
			}
		}()
	}
	go fanOutEvents(events, logger, statusSrv, tuiCh)

	opts := orchestrator.Options{
		Dir:           cfg.Dir,
		Test:          cfg.Test,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		SyncTimeout:   cfg.SyncTimeout,
		EraseUserData: cfg.EraseUserData,
	}

	runErr := orch.FlashStock(ctx, opts)
	close(events)

	v := orch.Vars()
	finalPhase := orchestrator.PhaseDone
	finalMessage := "flash complete"
	if runErr != nil {
		finalPhase = "failed"
		finalMessage = runErr.Error()
		logger.Critical(runErr)
	} else {
		logger.Infof("flash complete")
	}

	if cfg.ReportClipboard {
		summary := clipboardreport.Summary(v, finalPhase, finalMessage, runErr)
		if clipboardreport.Copy(summary) {
			logger.Infof("diagnostic summary copied to clipboard")
		} else {
			logger.Warnf("could not copy diagnostic summary to clipboard")
		}
	}

	if runErr != nil {
		return exitFail
	}
	return exitOK
}

// fanOutEvents logs and tracks every event from the orchestrator, and
// additionally forwards a copy to tuiCh when a TUI is running.
func fanOutEvents(events <-chan orchestrator.Event, logger *sxlog.Logger, statusSrv *status.Server, tuiCh chan<- orchestrator.Event) {
	for ev := range events {
		if ev.Err != nil {
			logger.Errorf("[%s] %s: %v", ev.Phase, ev.Message, ev.Err)
		} else {
			logger.Infof("[%s] %s", ev.Phase, ev.Message)
		}
		if statusSrv != nil {
			statusSrv.Track(ev)
		}
		if tuiCh != nil {
			tuiCh <- ev
		}
	}
	if tuiCh != nil {
		close(tuiCh)
	}
}

func openEngine(cfg config.Config) (*protocol.Engine, func(), error) {
	if cfg.Test >= 100 {
		return protocol.NewEngine(nil), func() {}, nil
	}

	ch, err := transport.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open USB transport: %w", err)
	}
	eng := protocol.NewEngine(ch)
	eng.SetTimeouts(cfg.ReadTimeout, cfg.WriteTimeout)
	return eng, func() { _ = ch.Close() }, nil
}
