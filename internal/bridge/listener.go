package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/config"
	"github.com/poslink/bridge/internal/logger"
)

var listenerStartTime = time.Now()

// Listener binds the HTTP surface on the first free port in the configured
// range and upgrades pairing connections to websockets. Devices discover the
// bridge by probing the range, so an exhausted range is fatal at startup
// rather than silently binding elsewhere.
type Listener struct {
	cfg      *config.Config
	hub      *Hub
	logger   zerolog.Logger
	server   *http.Server
	listener net.Listener
	port     int
	upgrader websocket.Upgrader
}

// NewListener builds the listener and its router.
func NewListener(cfg *config.Config, hub *Hub, appLogger zerolog.Logger, registry prometheus.Gatherer) *Listener {
	l := &Listener{
		cfg:    cfg,
		hub:    hub,
		logger: appLogger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Pairing runs on the local network and is authenticated by the
			// challenge handshake, not by browser origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := chi.NewRouter()

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.RateLimit.Enabled {
		router.Use(httprate.LimitByIP(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window.Duration))
	}

	router.Get("/ws", l.handleUpgrade)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", l.handleHealth)
		r.Get("/status", l.handleStatus)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	})

	l.server = &http.Server{
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
		Handler:      router,
	}

	return l
}

// Start binds the first free port in the configured range and begins
// serving. It returns once the port is bound; serving continues in the
// background.
func (l *Listener) Start() error {
	start := l.cfg.Server.PortRangeStart
	end := l.cfg.Server.PortRangeEnd

	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			l.logger.Debug().Int("port", port).Err(err).Msg("listener.port_unavailable")
			continue
		}
		l.listener = ln
		l.port = port
		l.hub.SetServerPort(port)
		l.logger.Info().Int("port", port).Msg("listener.bound")

		go func() {
			if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				l.logger.Error().Err(err).Msg("listener.serve_failed")
			}
		}()
		return nil
	}

	return fmt.Errorf("no free port in range %d-%d", start, end)
}

// Port returns the bound port, zero before Start succeeds.
func (l *Listener) Port() int {
	return l.port
}

// Shutdown gracefully stops the HTTP server.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// handleUpgrade turns a pairing request into a websocket and hands it to the
// hub. The handler goroutine becomes the connection's read loop.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("listener.upgrade_failed")
		return
	}
	l.hub.Accept(ws, r.RemoteAddr)
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(listenerStartTime).Seconds()),
		"port":           l.port,
	})
}

func (l *Listener) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, l.hub.Status())
}

// adminMetricsAuth optionally protects the metrics endpoint with an API key.
// An empty key disables protection.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				provided := r.Header.Get("X-API-Key")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
