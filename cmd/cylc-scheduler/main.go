// Command cylc-scheduler runs one workflow's scheduler core: it loads
// a normalized configuration, compiles the graph (internal/graph),
// opens the run database (internal/store), and drives the main loop
// (internal/scheduler) until an operator stop command or OS signal
// requests shutdown.
//
// The config-file parser, template preprocessor, CLI/GUI surfaces, and
// concrete batch-system adapters beyond the in-process "background"
// adapter all live outside this binary; it is the thinnest possible
// host for the core, not a replacement for those surfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cylc-go/scheduler/internal/clock"
	"github.com/cylc-go/scheduler/internal/command"
	"github.com/cylc-go/scheduler/internal/config"
	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/obslog"
	"github.com/cylc-go/scheduler/internal/scheduler"
	"github.com/cylc-go/scheduler/internal/store"
)

// Exit codes.
const (
	exitOK            = 0
	exitOperatorError = 1
	exitConfigError   = 2
	exitStalled       = 3
	exitFatal         = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "cylc-scheduler.json", "path to the normalized configuration object")
		workflowID = flag.String("workflow", "workflow", "workflow identifier used in logs, events, and job environments")
		stopAt     = flag.String("stop-at", "", "stop after the given cycle point is reached, instead of running indefinitely")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cylc-scheduler: %v\n", err)
		return exitConfigError
	}

	level, err := obslog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cylc-scheduler: %v\n", err)
		return exitConfigError
	}
	logCfg := obslog.DefaultConfig()
	logCfg.Level = level
	logCfg.Component = *workflowID
	if cfg.Logging.Format == "json" {
		logCfg.Format = obslog.JSONFormat
	}
	if cfg.Logging.File != "" {
		out, err := obslog.CreateCombinedOutput(cfg.Logging.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cylc-scheduler: opening log file: %v\n", err)
			return exitConfigError
		}
		logCfg.Output = out
	}
	log := obslog.New(logCfg)

	cal, err := cycle.ParseCalendar(cfg.Scheduling.CyclingMode)
	isInteger := cfg.Scheduling.CyclingMode == "integer"
	if !isInteger && err != nil {
		log.Errorf("cylc-scheduler: %v", err)
		return exitConfigError
	}

	var initial cycle.Point
	if isInteger {
		n, perr := parseIntPoint(cfg.Scheduling.InitialCyclePoint)
		if perr != nil {
			log.Errorf("cylc-scheduler: invalid initial_cycle_point: %v", perr)
			return exitConfigError
		}
		initial = cycle.IntegerPoint(n)
	} else {
		initial, err = cycle.ParseISOPoint(cfg.Scheduling.InitialCyclePoint, cal)
		if err != nil {
			log.Errorf("cylc-scheduler: invalid initial_cycle_point: %v", err)
			return exitConfigError
		}
	}

	var final cycle.Point
	if cfg.Scheduling.FinalCyclePoint != "" {
		if isInteger {
			n, perr := parseIntPoint(cfg.Scheduling.FinalCyclePoint)
			if perr != nil {
				log.Errorf("cylc-scheduler: invalid final_cycle_point: %v", perr)
				return exitConfigError
			}
			final = cycle.IntegerPoint(n)
		} else {
			final, err = cycle.ParseISOPoint(cfg.Scheduling.FinalCyclePoint, cal)
			if err != nil {
				log.Errorf("cylc-scheduler: invalid final_cycle_point: %v", err)
				return exitConfigError
			}
		}
	}

	knownNames := make(map[string]bool, len(cfg.Runtime))
	for name := range cfg.Runtime {
		knownNames[name] = true
	}
	inputs := make([]graph.CompileInput, 0, len(cfg.Graphs))
	for spec, lines := range cfg.Graphs {
		inputs = append(inputs, graph.CompileInput{SequenceSpec: spec, Lines: lines})
	}
	defs, err := graph.Compile(inputs, cal, isInteger, initial, final, knownNames, cfg.Families)
	if err != nil {
		log.Errorf("cylc-scheduler: graph compilation: %v", err)
		return exitConfigError
	}
	if err := graph.ApplyClockGates(defs, cfg.Scheduling.SpecialTasks.ClockTrigger, cfg.Scheduling.SpecialTasks.ClockExpire, cal, isInteger); err != nil {
		log.Errorf("cylc-scheduler: %v", err)
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var privateStore *store.PrivateStore
	var publicStore *store.PublicStore
	if cfg.Store.DSN != "" {
		privateStore, err = store.NewPrivateStore(ctx, &store.Config{
			ConnectionString: cfg.Store.DSN,
			MigrationsPath:   "file://internal/store/migrations",
		})
		if err != nil {
			log.Errorf("cylc-scheduler: opening run database: %v", err)
			return exitFatal
		}
		defer privateStore.Close()
		if err := privateStore.MigrateToLatest(ctx); err != nil {
			log.Errorf("cylc-scheduler: migrating run database: %v", err)
			return exitFatal
		}
		refresh := cfg.Store.PublicRefreshEvery
		if refresh <= 0 {
			refresh = 5 * time.Second
		}
		publicStore = store.NewPublicStore(privateStore, refresh)
	} else {
		log.Warnf("cylc-scheduler: no store.dsn configured, running without durability")
	}

	clk := clock.Real{}
	sched, err := scheduler.New(cfg, defs, storeOrNil(privateStore), clk, log)
	if err != nil {
		log.Errorf("cylc-scheduler: %v", err)
		return exitFatal
	}
	sched.WorkflowID = *workflowID
	sched.Public = publicStore

	if err := sched.Restart(ctx); err != nil {
		log.Errorf("cylc-scheduler: restart reconciliation: %v", err)
		return exitFatal
	}

	if *stopAt != "" {
		sched.Inbound <- &command.Command{
			Kind:        command.KindStop,
			StopMode:    command.StopAfterPoint,
			StopAtPoint: *stopAt,
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("cylc-scheduler: shutdown signal received, stopping")
		sched.Inbound <- &command.Command{Kind: command.KindStop, StopMode: command.StopNow}
		<-sigCh // a second signal forces immediate cancellation
		cancel()
	}()

	// SIGHUP re-parses the configuration and queues a reload; the
	// scheduler core itself never touches the config file.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Errorf("cylc-scheduler: reload: %v", err)
				continue
			}
			newNames := make(map[string]bool, len(newCfg.Runtime))
			for name := range newCfg.Runtime {
				newNames[name] = true
			}
			newInputs := make([]graph.CompileInput, 0, len(newCfg.Graphs))
			for spec, lines := range newCfg.Graphs {
				newInputs = append(newInputs, graph.CompileInput{SequenceSpec: spec, Lines: lines})
			}
			newDefs, err := graph.Compile(newInputs, cal, isInteger, initial, final, newNames, newCfg.Families)
			if err != nil {
				log.Errorf("cylc-scheduler: reload: graph compilation: %v", err)
				continue
			}
			if err := graph.ApplyClockGates(newDefs, newCfg.Scheduling.SpecialTasks.ClockTrigger, newCfg.Scheduling.SpecialTasks.ClockExpire, cal, isInteger); err != nil {
				log.Errorf("cylc-scheduler: reload: %v", err)
				continue
			}
			sched.Inbound <- &command.Command{Kind: command.KindReload, ReloadConfig: newCfg, ReloadDefs: newDefs}
		}
	}()

	runErr := sched.Run(ctx)
	if runErr != nil {
		log.Errorf("cylc-scheduler: %v", runErr)
		return exitFatal
	}
	return exitOK
}

// storeOrNil returns nil through scheduler.Store's interface when ps
// is nil, since a *store.PrivateStore(nil) boxed in an interface is
// non-nil and would defeat scheduler.New's "nil means no durability"
// convention.
func storeOrNil(ps *store.PrivateStore) scheduler.Store {
	if ps == nil {
		return nil
	}
	return ps
}

func parseIntPoint(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
