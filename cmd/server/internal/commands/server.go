package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"gopkg.in/yaml.v3"

	relayhttp "github.com/beatforge/relay/internal/http"
	"github.com/beatforge/relay/internal/logger"
	"github.com/beatforge/relay/internal/relay"
	"github.com/beatforge/relay/internal/session"
	"github.com/beatforge/relay/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"RELAY_LISTEN"`

	// Origin configuration. An empty allow-list accepts every origin.
	AllowedOrigins []string `help:"allowed origins for WebSocket handshakes and CORS (empty = allow all)" env:"RELAY_ALLOWED_ORIGINS"`
	OriginsFile    string   `help:"path to a YAML file listing allowed origins" env:"RELAY_ORIGINS_FILE"`

	// Session lifecycle
	SessionTTL    time.Duration `help:"how long an empty session survives before expiry" default:"24h" env:"RELAY_SESSION_TTL"`
	SweepInterval time.Duration `help:"how often the idle reaper scans for expired sessions" default:"60s" env:"RELAY_SWEEP_INTERVAL"`

	// Operational modes
	Telemetry bool `help:"enable OpenTelemetry metrics export" default:"false" env:"RELAY_TELEMETRY"`
}

// originsFile is the YAML shape of --origins-file.
type originsFile struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting relay server")

	origins, err := c.resolveOrigins()
	if err != nil {
		return err
	}

	if c.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, "beatforge-relay", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	registry := session.NewRegistry()
	hub := relay.NewHub(registry)
	server := relay.NewServer(hub, registry, origins)

	reaper := session.NewReaper(ctx, registry, hub.EndByID, c.SessionTTL, c.SweepInterval)
	defer reaper.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeWS)
	mux.HandleFunc("/healthz", server.Healthz)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
	})

	handler := relayhttp.LoggingMiddleware()(corsMiddleware.Handler(mux))

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Int("origins", len(origins)).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Live WebSocket connections keep Shutdown from draining; force
		// them closed.
		return srv.Close()
	}
	return nil
}

func (c *ServerCmd) resolveOrigins() ([]string, error) {
	origins := c.AllowedOrigins
	if c.OriginsFile == "" {
		return origins, nil
	}

	data, err := os.ReadFile(c.OriginsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read origins file: %w", err)
	}
	var file originsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse origins file: %w", err)
	}
	return append(origins, file.AllowedOrigins...), nil
}
