package wavelength

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
)

const (
	apiPathStatus      = "/api/status"
	apiPathFrequencies = "/api/frequencies"
	pprofPrefix        = "/debug"
	xRequestIDHeader   = "X-Request-ID"
)

// apiStatus is the payload returned by GET /api/status.
type apiStatus struct {
	Version         string     `json:"version"`
	StartedAt       time.Time  `json:"started_at"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	GatewayUp       bool       `json:"gateway_up"`
	Frequencies     int        `json:"frequencies"`
	LinkedChannels  int        `json:"linked_channels"`
	Correspondences int        `json:"correspondences"`
	CachedWebhooks  int        `json:"cached_webhooks"`
	Relay           RelayStats `json:"relay"`
}

// API is the read-only status server: no mutation endpoints, no auth. It
// exists for monitoring, so everything it reports comes from in-memory
// counters and the registry.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	w *Wavelength
}

func newAPI(w *Wavelength, config *APIConfig) (*API, error) {
	logger := slog.New(
		newLogHandler(os.Stdout, config.LogLevel),
	).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		logger:         logger,
		requestMetrics: map[string]int{},
		w:              w,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	// the API is read-only, so an unset origin list means allow-all
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiPathStatus, api.getStatus)
	r.GET(apiPathFrequencies, api.getFrequencies)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	return api, nil
}

// Serve listens and serves until the server is shut down. TLS is only
// used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx, a.config.ListenNetwork, a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) getStatus(c *gin.Context) {
	w := a.w
	startedAt := w.startedAt
	status := apiStatus{
		Version:         Version,
		StartedAt:       startedAt,
		UptimeSeconds:   int64(time.Since(startedAt).Seconds()),
		GatewayUp:       w.discord.connected.Load(),
		Frequencies:     w.registry.Count(),
		LinkedChannels:  w.registry.LinkedChannelCount(),
		Correspondences: w.table.Len(),
		CachedWebhooks:  w.resolver.Len(),
		Relay:           w.dispatcher.Stats(),
	}
	c.JSON(http.StatusOK, status)
}

func (a *API) getFrequencies(c *gin.Context) {
	c.JSON(http.StatusOK, a.w.registry.List())
}

// requestIDMiddleware assigns a random request ID to each request and
// echoes it back in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := randomToken(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginLoggingMiddleware logs each request with its duration, status and
// any accumulated gin errors.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[c.Request.Method+" "+c.Request.URL.Path]++
	}
}
