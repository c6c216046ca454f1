// Command visualstream-server runs the HTTP and WebSocket surface for the
// browser-workflow visual streaming subsystem: session event fan-out,
// execution log fan-out, run event fan-out, and the control channel.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/pubsub"
	vsconfig "github.com/helixml/visualstream/api/pkg/visualstream/config"
	"github.com/helixml/visualstream/api/pkg/visualstream/loghub"
	"github.com/helixml/visualstream/api/pkg/visualstream/profiledir"
	"github.com/helixml/visualstream/api/pkg/visualstream/runhub"
	"github.com/helixml/visualstream/api/pkg/visualstream/streamer"
	"github.com/helixml/visualstream/api/pkg/visualstream/wsfanout"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := vsconfig.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	peer, err := connectPeerChannel(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to establish peer fan-out channel")
	}
	defer peer.Close()

	var peerForHub pubsub.PubSub = peer

	manager := streamer.NewManager(streamer.ManagerConfig{
		EventBufferSize: cfg.SessionEventBufferSize,
		GCInterval:      time.Duration(cfg.GCIntervalSeconds) * time.Second,
		IdleTimeout:     time.Duration(cfg.IdleSessionTimeoutSeconds) * time.Second,
		Logger:          logger,
	})
	defer manager.Close()

	logHub := loghub.New(
		cfg.LogHistorySize,
		time.Duration(cfg.LogHistoryTTLSeconds)*time.Second,
		peerForHub,
		logger,
	)

	runHub := runhub.New(cfg.RunEventBufferSize, logger)

	profiles, err := profiledir.New(
		cfg.ProfileDirBase,
		time.Duration(cfg.ProfileDirMaxAgeSeconds)*time.Second,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize profile directory manager")
	}
	go runProfileGC(profiles, time.Duration(cfg.GCIntervalSeconds)*time.Second, logger)

	defaultHistoryWindow := time.Duration(cfg.DefaultHistoryWindowSeconds * float64(time.Second))
	sessionsEP := wsfanout.NewSessionEndpoint(manager, cfg.OutboundQueueSize, defaultHistoryWindow, logger)
	logsEP := wsfanout.NewLogsEndpoint(logHub, cfg.OutboundQueueSize, logger)
	runsEP := wsfanout.NewRunsEndpoint(runHub, cfg.OutboundQueueSize, logger)
	controlEP := wsfanout.NewControlEndpoint(manager, nil, cfg.ControlChannelDebug, logger)
	httpHandlers := wsfanout.NewHTTPHandlers(manager, defaultViewerHTML(), profiles.Release, logger)

	router := mux.NewRouter()
	router.Handle("/workflows/visual/{sessionID}/stream", sessionsEP).Methods(http.MethodGet)
	router.Handle("/workflows/visual/{sessionID}/control", controlEP).Methods(http.MethodGet)
	router.HandleFunc("/workflows/visual/{sessionID}/status", httpHandlers.Status).Methods(http.MethodGet)
	router.HandleFunc("/workflows/visual/{sessionID}/viewer", httpHandlers.Viewer).Methods(http.MethodGet)
	router.HandleFunc("/workflows/visual/{sessionID}/terminate", httpHandlers.Terminate).Methods(http.MethodPost)
	router.HandleFunc("/workflows/visual/sessions", httpHandlers.Sessions).Methods(http.MethodGet)
	router.HandleFunc("/workflows/visual/broadcast", httpHandlers.AdminBroadcast).Methods(http.MethodPost)
	router.Handle("/ws/logs/{executionID}", logsEP).Methods(http.MethodGet)
	router.Handle("/runs/{runID}/events", runsEP).Methods(http.MethodGet)

	addr := ":8090"
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("visualstream-server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("visualstream-server crashed")
		}
	}()

	waitForShutdown(srv, logger)
}

// connectPeerChannel wires the cross-process log fan-out to an embedded
// NATS instance when PeerChannelURL is unset (single-process / dev mode),
// or to an external NATS deployment when it is set.
func connectPeerChannel(cfg vsconfig.VisualStreamConfig, logger zerolog.Logger) (*pubsub.Nats, error) {
	if cfg.PeerChannelURL == "" {
		logger.Info().Msg("no peer channel url configured; starting embedded nats instance")
		return pubsub.NewInMemoryNats()
	}
	logger.Info().Str("url", cfg.PeerChannelURL).Msg("connecting to external peer channel")
	return pubsub.NewNatsClient(cfg.PeerChannelURL, os.Getenv("NATS_TOKEN"))
}

func runProfileGC(profiles *profiledir.Manager, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := profiles.GC(); err != nil {
			logger.Warn().Err(err).Msg("profile directory gc sweep failed")
		}
	}
}

func waitForShutdown(srv *http.Server, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down visualstream-server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during graceful shutdown")
	}
}

func defaultViewerHTML() []byte {
	return []byte(`<!doctype html>
<html>
<head><title>Visual Stream Viewer</title></head>
<body>
<p>Connect a WebSocket client to /workflows/visual/{session-id}/stream to view this session.</p>
</body>
</html>`)
}
