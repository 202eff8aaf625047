package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-camgw/internal/catalog"
	"github.com/technosupport/ts-camgw/internal/config"
	"github.com/technosupport/ts-camgw/internal/devmon"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/httpapi"
	"github.com/technosupport/ts-camgw/internal/logging"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
	"github.com/technosupport/ts-camgw/internal/metrics"
	"github.com/technosupport/ts-camgw/internal/recording"
	"github.com/technosupport/ts-camgw/internal/registry"
	"github.com/technosupport/ts-camgw/internal/server"
	"github.com/technosupport/ts-camgw/internal/snapshots"
	"github.com/technosupport/ts-camgw/internal/storage"
	"github.com/technosupport/ts-camgw/internal/tokens"
)

// Exit codes: 0 normal shutdown, 1 configuration error, 2 fatal startup
// error, 3 unrecoverable downstream configuration.
const (
	exitOK = iota
	exitConfig
	exitStartup
	exitDownstream
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("version", server.Version).Msg("starting camera gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Media directories must exist before anything records into them.
	for _, dir := range []string{cfg.Storage.RecordingsDir, cfg.Storage.SnapshotsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("cannot create media directory")
			return exitStartup
		}
	}

	bus := events.NewBus(cfg.Events.QueueSize, logger)
	if cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name("ts-camgw"))
		if err != nil {
			logger.Warn().Err(err).Msg("event mirror unavailable, continuing without it")
		} else {
			defer nc.Close()
			bus.SetMirror(events.NewNATSMirror(nc, cfg.Events.NATSSubject, 2, logger))
		}
	}

	m := metrics.New()

	media := mediamtx.NewClient(cfg.MediaMTX, logger)
	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := media.Ping(probeCtx); err != nil {
		probeCancel()
		logger.Error().Err(err).Str("base_url", cfg.MediaMTX.BaseURL).
			Msg("media backend control API unreachable")
		return exitDownstream
	}
	probeCancel()

	var blacklist tokens.Blacklist
	if cfg.Auth.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
		defer rdb.Close()
		blacklist = tokens.NewRedisBlacklist(rdb)
	}
	verifier, err := buildVerifier(ctx, cfg.Auth, blacklist)
	if err != nil {
		logger.Error().Err(err).Msg("auth configuration rejected")
		return exitConfig
	}

	reg := registry.New(cfg.Camera, registry.NewURLBuilder(cfg.MediaMTX), media, bus, logger)
	reg.Start(ctx)
	defer reg.Stop()

	monitor := devmon.NewMonitor(cfg.Camera, logger)
	monitor.AddHandler(reg.HandleDeviceEvent)
	if err := monitor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("device monitor failed to start")
		return exitStartup
	}
	defer monitor.Stop()

	disk := storage.NewMonitor(cfg.Storage, logger)
	files := catalog.New(cfg.Storage, logger)
	recorder := recording.NewManager(cfg.Recording, cfg.Storage, media, reg, disk, bus, m, logger)
	snaps := snapshots.NewManager(cfg.Storage, media, reg, disk, &snapshots.ExecGrabber{}, bus, m, logger)

	media.OnHealthChange(func(healthy bool) {
		m.SetCircuitOpen(!healthy)
		bus.Publish(events.TopicBackendHealth, map[string]interface{}{
			"healthy": healthy, "timestamp": time.Now().UTC(),
		})
		recorder.HandleBackendHealth(healthy)
	})

	ws := server.New(cfg, server.Deps{
		Verifier: verifier,
		Registry: reg,
		Recorder: recorder,
		Snaps:    snaps,
		Files:    files,
		Disk:     disk,
		Media:    media,
		Bus:      bus,
		Metrics:  m,
	}, logger)

	router := httpapi.Router(cfg.Server.WSPath, ws, files, media, m.Handler(), logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("bind failed")
		return exitStartup
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	logger.Info().Str("addr", addr).Str("ws_path", cfg.Server.WSPath).Msg("listening")

	bus.Publish(events.TopicReadiness, map[string]interface{}{
		"ready": true, "timestamp": time.Now().UTC(),
	})

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
		return exitStartup
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Order matters: stop recordings first so their terminal events still
	// reach connected subscribers, then drain the sessions.
	recorder.StopAll(shutdownCtx, "shutdown")
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("session drain timed out")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown timed out")
	}

	logger.Info().Msg("stopped")
	return exitOK
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, bl tokens.Blacklist) (*tokens.Verifier, error) {
	switch cfg.Algorithm {
	case "hs256":
		return tokens.NewHS256(cfg.Secret, cfg.ClockSkew, bl), nil
	case "rs256":
		if cfg.JWKSURL != "" {
			return tokens.NewJWKS(ctx, cfg.JWKSURL, cfg.JWKSRefresh, cfg.ClockSkew, bl), nil
		}
		return tokens.NewRS256(cfg.PublicKeyPEM, cfg.ClockSkew, bl)
	default:
		return nil, fmt.Errorf("unknown auth algorithm %q", cfg.Algorithm)
	}
}
