package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/traci-sync/internal/config"
	"github.com/signalsfoundry/traci-sync/internal/events"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/observability"
	"github.com/signalsfoundry/traci-sync/internal/sim/engine"
	"github.com/signalsfoundry/traci-sync/internal/statusapi"
	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/signalsfoundry/traci-sync/timectrl"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func runCmd() *cobra.Command {
	var (
		flags    connFlags
		runFor   time.Duration
		realTime bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the simulator and keep the local population in sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("run-for") {
				cfg.RunFor = config.Duration(runFor)
			}
			if cmd.Flags().Changed("real-time") {
				cfg.RealTime = realTime
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, os.Stdout)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&runFor, "run-for", 0, "stop after this much simulation time (0 runs until auto-shutdown)")
	cmd.Flags().BoolVar(&realTime, "real-time", false, "pace steps by the wall clock")
	return cmd
}

// engineConfig maps the file configuration onto the engine.
func engineConfig(cfg config.Config, epoch time.Time) (engine.Config, error) {
	filter, err := cfg.RegionFilter()
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.DefaultConfig()
	ec.Epoch = epoch
	ec.ConnectAt = cfg.ConnectAt.Std()
	ec.FirstStepAt = cfg.FirstStepAt.Std()
	ec.UpdateInterval = cfg.UpdateInterval.Std()
	ec.ModuleType = cfg.ModuleType
	ec.AutoShutdown = cfg.AutoShutdown
	ec.Margin = cfg.Margin
	ec.Filter = filter
	ec.PenetrationRate = cfg.PenetrationRate
	ec.Seed = cfg.Seed
	ec.NumVehicles = cfg.NumVehicles
	ec.VehicleRngSeed = cfg.VehicleRngSeed
	return ec, nil
}

func run(ctx context.Context, cfg config.Config, out io.Writer) error {
	runID := uuid.NewString()
	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	}).With(logging.String("run_id", runID))

	tracingCfg := observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "traci-sync",
		InstanceID:  runID,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}.WithEnv()
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSyncCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	mode := timectrl.Accelerated
	if cfg.RealTime {
		mode = timectrl.RealTime
	}
	epoch := time.Now().UTC()
	clock := timectrl.NewTimeController(epoch, cfg.UpdateInterval.Std(), mode)
	sched := events.NewEventScheduler(clock)
	clock.AddListener(func(time.Time) { sched.RunDue() })

	ec, err := engineConfig(cfg, epoch)
	if err != nil {
		return err
	}
	agents := newAgentSet(cfg.ModuleName, log)
	dial := func(ctx context.Context) (traci.Transport, error) {
		return traci.Dial(ctx, dialConfig(cfg, log))
	}
	eng, err := engine.New(ec, sched, agents, dial,
		engine.WithLogger(log),
		engine.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	status := statusapi.NewServer(eng, collector.Handler(), log)
	httpSrv := serveStatus(cfg.MetricsAddr, status, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := eng.Start(runCtx); err != nil {
		return err
	}
	log.Info(ctx, "sync started",
		logging.String("server", cfg.Address()),
		logging.Duration("update_interval", ec.UpdateInterval),
		logging.Bool("real_time", cfg.RealTime),
	)
	clockDone := clock.Start(runCtx, cfg.RunFor.Std())

	select {
	case <-eng.Done():
	case <-clockDone:
		log.Info(ctx, "run duration elapsed")
	case <-ctx.Done():
		log.Info(ctx, "interrupted")
	}
	cancel()
	<-clockDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	shutdownErr := eng.Shutdown(shutdownCtx)
	status.Close()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}

	runErr := eng.Err()
	if runErr != nil {
		log.Error(ctx, "sync ended with error", logging.Err(runErr))
	}
	log.Info(ctx, "sync stopped",
		logging.Bool("auto_shutdown", eng.AutoShutdownTriggered()),
		logging.Int("agents_left", agents.Len()),
	)
	return errors.Join(runErr, shutdownErr)
}

func serveStatus(addr string, handler http.Handler, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "status server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving status API", logging.String("addr", addr))
	return srv
}
