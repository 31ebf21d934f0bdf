package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/samples"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	httpServer *http.Server
	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	busService *bus.Service
	registry   *presence.Registry
	rec        *recorder.FFmpegRecorder
	player     recorder.Player
	catalog    *samples.Catalog
	journal    *journal.Store
	machine    *orchestrator.Machine
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves until ctx is cancelled and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.build(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.machine.Run(gctx)
	})

	if r.journal.Enabled() {
		sub := r.machine.Subscribe()
		g.Go(func() error {
			return r.journal.Follow(gctx, sub)
		})
	}

	if r.busClient != nil {
		r.busService = bus.NewService(gctx, r.cfg.Node.ID, r.busClient, r.machine, r.logger)
		if err := r.busService.Start(); err != nil {
			r.logger.Warn("bus command service unavailable", slog.String("error", err.Error()))
			r.busService = nil
		}
		registry, err := presence.NewRegistry(gctx, r.cfg.Node, r.cfg.Engine.Mode, r.machine, r.busClient, r.logger)
		if err != nil {
			r.logger.Warn("presence registry unavailable", slog.String("error", err.Error()))
		} else {
			r.registry = registry
		}
	}

	if r.cfg.HTTP.Enabled {
		a := &api{
			ctrl:    r.machine,
			samples: r.catalog,
			journal: r.journal,
			metrics: metricsHandler,
			ready:   r.ready.Load,
			log:     r.logger.With(slog.String("component", "http")),
		}
		if r.registry != nil {
			a.nodes = r.registry
		}
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           a.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
			return nil
		})
		r.logger.Info("http api listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("engine_mode", r.cfg.Engine.Mode))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (r *Runtime) build(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		r.busClient = client
	}

	store, err := journal.Open(ctx, r.cfg.Journal, r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store

	format, err := wave.FormatFor(r.cfg.Recorder.Encoding, r.cfg.Recorder.SampleRate)
	if err != nil {
		return fmt.Errorf("recorder format: %w", err)
	}
	permission, err := recorder.PermissionFromConfig(r.cfg.Recorder.Permission, r.cfg.Recorder.PermissionPath)
	if err != nil {
		return err
	}
	rec, err := recorder.NewFFmpegRecorder(recorder.FFmpegConfig{
		Command:      r.cfg.Recorder.Command,
		InputFormat:  r.cfg.Recorder.InputFormat,
		InputDevice:  r.cfg.Recorder.InputDevice,
		StopGrace:    time.Duration(r.cfg.Recorder.StopGraceMS) * time.Millisecond,
		StartupProbe: time.Duration(r.cfg.Recorder.StartupProbeMS) * time.Millisecond,
	}, permission, r.logger)
	if err != nil {
		return err
	}
	r.rec = rec

	r.player = recorder.NopPlayer{}
	if r.cfg.Playback.Enabled {
		player, err := recorder.NewCommandPlayer(r.cfg.Playback.Command, r.logger)
		if err != nil {
			return err
		}
		r.player = player
	}

	catalog, err := samples.New(r.cfg.Samples)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	r.catalog = catalog

	engineCfg := r.cfg.Engine
	machine, err := orchestrator.New(orchestrator.Options{
		Recorder: rec,
		Player:   r.player,
		Samples:  catalog,
		NewEngine: func(context.Context) (engine.Engine, error) {
			return engine.New(engineCfg, r.logger)
		},
		Decode:            wave.Decode,
		OutputPath:        r.cfg.Recorder.OutputPath,
		Format:            format,
		TranscribeTimeout: time.Duration(r.cfg.Pipeline.TranscribeTimeoutMS) * time.Millisecond,
		MailboxSize:       r.cfg.Pipeline.MailboxSize,
		Logger:            r.logger,
	})
	if err != nil {
		return err
	}
	r.machine = machine
	return nil
}

func (r *Runtime) close() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.busService != nil {
		r.busService.Close()
	}
	if r.rec != nil {
		r.rec.Close()
	}
	if r.player != nil {
		r.player.Stop()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embedded.Shutdown()
}
