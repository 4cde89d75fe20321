package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/pbs-plus/plus-scheduler/internal/app"
	"github.com/pbs-plus/plus-scheduler/internal/config"
	"github.com/pbs-plus/plus-scheduler/internal/engine/cli"
	"github.com/pbs-plus/plus-scheduler/internal/metrics"
	controlrpc "github.com/pbs-plus/plus-scheduler/internal/proxy/rpc"
	"github.com/pbs-plus/plus-scheduler/internal/scheduler"
	"github.com/pbs-plus/plus-scheduler/internal/store"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

const supervisorShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and work queue",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func logSupervisorEvent(e suture.Event) {
	fields := e.Map()
	switch e.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeStopTimeout:
		syslog.L.Error(errors.New(e.String())).WithMessage("supervised service failed").WithFields(fields).Write()
	case suture.EventTypeBackoff:
		syslog.L.Warn().WithMessage(e.String()).WithFields(fields).Write()
	default:
		syslog.L.Debug().WithMessage(e.String()).WithFields(fields).Write()
	}
}

func lockInstance(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another instance holds %s", path)
	}
	return lock, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := syslog.L.Configure(cfg.Logging.Level, cfg.Logging.Syslog); err != nil {
		return err
	}

	lock, err := lockInstance(cfg.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()

	if cfg.Logging.OperationDir != "" {
		if err := os.MkdirAll(cfg.Logging.OperationDir, 0o750); err != nil {
			return fmt.Errorf("failed to create operation log directory: %w", err)
		}
		syslog.SetOperationLogDir(cfg.Logging.OperationDir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeInstance, err := store.Initialize(ctx, map[string]string{"sqlite": cfg.Database.Path})
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to initialize store").Write()
		return err
	}
	defer func() {
		if err := storeInstance.Close(); err != nil {
			syslog.L.Error(err).WithMessage("failed to close store").Write()
		}
	}()

	eng, err := cli.New(cli.Config{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Env:     cfg.Engine.Env,
	})
	if err != nil {
		return err
	}

	settings, err := storeInstance.Database.GetApplicationSettings()
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to read application settings").Write()
	}

	server, err := app.New(ctx, storeInstance.Database, eng, app.Options{
		Scheduler: scheduler.Config{
			MaxWait:  cfg.Scheduler.MaxWait,
			MinWait:  cfg.Scheduler.MinWait,
			IdleWait: cfg.Scheduler.IdleWait,
		},
		StartPaused:       cfg.Worker.StartPaused,
		ResumeInterrupted: cfg.Worker.ResumeInterrupted,
		EventQueueSize:    cfg.Events.QueueSize,
		ProgressInterval:  cfg.Events.ProgressInterval,
		Location:          cfg.Location(),
		Reporter:          metrics.NewReporter(settings.UsageReporterLevel),
	})
	if err != nil {
		return err
	}

	server.Queue.AddObserver(metrics.NewQueueObserver(server.Queue))
	server.Scheduler.AddObserver(func() {
		metrics.ObserveSchedule(server.Scheduler.Schedule())
	})
	server.Events.SubscribeProgress(metrics.ObserveProgress)
	server.Events.Subscribe(func(id int64) {
		metrics.LastEventID.Set(float64(id))
	})

	sup := suture.New("plus-scheduler", suture.Spec{
		EventHook: logSupervisorEvent,
		Timeout:   supervisorShutdownTimeout,
	})
	sup.Add(controlrpc.NewServer(cfg.Control.SocketPath, server))
	sup.Add(app.NewHousekeeper(storeInstance.Database, cfg.Housekeeping.Schedule, cfg.Housekeeping.Retention))
	if cfg.Metrics.Enabled {
		sup.Add(metrics.NewServer(cfg.Metrics.Address))
	}
	if cfg.Database.Watch {
		sup.Add(store.NewWatcher(storeInstance.Database.Path(), server.Reschedule))
	}

	supErr := sup.ServeBackground(ctx)

	server.Start()

	syslog.L.Info().WithMessage("plus-scheduler started").
		WithField("version", Version).
		WithField("database", storeInstance.Database.Path()).
		WithField("paused", server.Live.IsPaused()).
		Write()

	<-ctx.Done()

	syslog.L.Info().WithMessage("shutting down").Write()
	server.Close()

	if err := <-supErr; err != nil && !errors.Is(err, context.Canceled) {
		syslog.L.Error(err).WithMessage("supervisor stopped with error").Write()
	}

	return nil
}
