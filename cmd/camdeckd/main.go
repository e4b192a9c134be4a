// SPDX-License-Identifier: MIT

// Command camdeckd is the on-device capture daemon: it supervises the
// camera ingest pipelines, session recording, the program mixer and
// the operating mode, and serves the local control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/control"
	"github.com/camdeck/camdeck/internal/daemon"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/health"
	"github.com/camdeck/camdeck/internal/ingest"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/mixer"
	"github.com/camdeck/camdeck/internal/mode"
	"github.com/camdeck/camdeck/internal/platform"
	"github.com/camdeck/camdeck/internal/recording"
	"github.com/camdeck/camdeck/internal/registry"
)

// Populated via -ldflags at release build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camdeckd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "camdeckd:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CAMDECK_CONFIG"); p != "" {
		return p
	}
	return "/etc/camdeck/config.yaml"
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "camdeckd"})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("starting camdeckd")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(events.DefaultQueueSize)
	probe := platform.New()
	reg := registry.NewClient(cfg.Registry.URL, cfg.Registry.Timeout.Duration())

	ingestSup := ingest.NewSupervisor(cfg.Ingest, cfg.Registry.PublishBase,
		probe, probe, reg, bus, nil)

	recSup, err := recording.NewSupervisor(cfg.Recording,
		cfg.Registry.PublishBase, cfg.Paths.Sessions, cfg.Cameras,
		ingestSup, bus, nil, nil)
	if err != nil {
		return fmt.Errorf("recording supervisor: %w", err)
	}
	if err := recSup.Replay(); err != nil {
		logger.Warn().Err(err).Msg("session replay failed")
	}

	sceneStore, err := mixer.NewStore(cfg.Paths.Scenes)
	if err != nil {
		return fmt.Errorf("scene store: %w", err)
	}

	graphics := mixer.NewOverlayManager(
		mixer.NewGraphicsClient(cfg.Mixer.GraphicsURL, 5*time.Second))

	// The mixer needs a cgo build with GStreamer. Without it the rest
	// of the daemon still runs; mixer routes answer 503.
	var mixerCtl control.Mixer
	engine, err := mixer.NewEngine(cfg.Mixer, cfg.Registry.PublishBase,
		cfg.Registry.PublishBase, probe, reg, sceneStore, bus, graphics)
	if err != nil {
		if !errors.Is(err, mixer.ErrCGORequired) {
			return fmt.Errorf("mixer engine: %w", err)
		}
		logger.Warn().Msg("mixer disabled: built without cgo")
	} else {
		mixerCtl = engine
	}

	// A live scene edited on disk is re-applied with a cut.
	if err := sceneStore.Watch(func(sceneID string) {
		if engine == nil {
			return
		}
		st := engine.State()
		if st.OutputState != mixer.OutputLive || st.CurrentScene != sceneID {
			return
		}
		if err := engine.SetScene(context.Background(), sceneID,
			mixer.Transition{Kind: mixer.TransitionCut}); err != nil {
			logger.Warn().Err(err).Str(log.FieldSceneID, sceneID).
				Msg("scene reload failed")
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("scene watch unavailable")
	}

	arbiter := buildArbiter(cfg, ingestSup, recSup, engine, bus)
	if err := arbiter.Startup(ctx, cfg.Mode.Default); err != nil {
		logger.Error().Err(err).Msg("startup mode entry failed, continuing degraded")
	}

	healthMgr := buildHealth(cfg, reg, arbiter)

	api := control.NewServer(cfg, ingestSup, recSup, mixerCtl, sceneStore,
		graphics, arbiter, healthMgr, bus)

	mgr, err := daemon.NewManager(cfg.Server, daemon.Deps{
		APIHandler:     api.Router(),
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		return err
	}
	mgr.RegisterShutdownHook("scene-store", func(ctx context.Context) error {
		return sceneStore.Close()
	})
	mgr.RegisterShutdownHook("mode", func(ctx context.Context) error {
		arbiter.Shutdown(ctx)
		return nil
	})

	return mgr.Start(ctx)
}

// buildArbiter assembles the per-mode service sets. Recorder mode owns
// ingest, recording and the mixer; peer mode hands the devices to the
// external WebRTC agent.
func buildArbiter(cfg *config.AppConfig, ingestSup *ingest.Supervisor,
	recSup *recording.Supervisor, engine *mixer.Engine, bus *events.Bus) *mode.Arbiter {

	ingestSvc := mode.FuncService{
		ServiceName: "ingest",
		StartFunc: func(ctx context.Context) error {
			for _, cam := range cfg.Cameras {
				if cam.Enabled {
					ingestSup.EnsureRunning(cam)
				}
			}
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			ingestSup.StopAll(ctx)
			return nil
		},
	}

	recordingSvc := mode.FuncService{
		ServiceName: "recording",
		// Sessions start on operator request, not on mode entry.
		StopFunc: func(ctx context.Context) error {
			if !recSup.Status().Active {
				return nil
			}
			_, err := recSup.Stop(ctx)
			return err
		},
	}

	mixerSvc := mode.FuncService{
		ServiceName: "mixer",
		StopFunc: func(ctx context.Context) error {
			if engine == nil {
				return nil
			}
			return engine.Stop(ctx)
		},
	}

	var devices []string
	for _, cam := range cfg.Cameras {
		if cam.Enabled {
			devices = append(devices, cam.Device)
		}
	}

	services := map[config.Mode][]mode.Service{
		config.ModeRecorder:   {ingestSvc, recordingSvc, mixerSvc},
		config.ModePeerWebRTC: {mode.NewPeerService(cfg.Mode.PeerAgentURL)},
	}
	return mode.New(services, devices,
		filepath.Join(cfg.Paths.State, "mode_state.json"),
		cfg.Mode.PersistState, bus)
}

func buildHealth(cfg *config.AppConfig, reg *registry.Client, arbiter *mode.Arbiter) *health.Manager {
	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewWritableDirChecker("sessions", cfg.Paths.Sessions))
	hm.RegisterChecker(health.NewWritableDirChecker("recordings", cfg.Recording.BasePath))
	hm.RegisterChecker(health.NewDiskSpaceChecker("recording_disk",
		cfg.Recording.BasePath,
		uint64(cfg.Recording.MinFreeGBStart), uint64(cfg.Recording.MinFreeGBStop),
		recording.GopsutilDiskUsage))
	hm.RegisterChecker(health.NewFuncChecker("registry", func(ctx context.Context) health.CheckResult {
		if _, err := reg.ListPaths(ctx); err != nil {
			return health.CheckResult{Status: health.StatusDegraded, Error: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}))
	hm.RegisterChecker(health.NewFuncChecker("mode", func(ctx context.Context) health.CheckResult {
		st := arbiter.Status()
		if st.Degraded {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "no mode fully active",
			}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: string(st.Mode)}
	}))
	return hm
}
