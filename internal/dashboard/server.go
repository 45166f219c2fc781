// Package dashboard serves the read model over HTTP: the latest reading for
// the map marker, the chart history, stream status and process telemetry.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"crowdwatch/config"
	"crowdwatch/internal/metrics"
	"crowdwatch/logger"
)

// Server hosts the read-only gin API.
type Server struct {
	cfg             config.DashboardConfig
	model           ReadModel
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	startedAt       time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, model ReadModel, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory, logrus.InfoLevel)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		model:           model,
		log:             log,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
		startedAt:       time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339Nano)})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/latest", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.model.latest())
	})

	api.GET("/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"samples": s.model.history()})
	})

	api.GET("/status", func(c *gin.Context) {
		historyCap := 0
		if s.model.History != nil {
			historyCap = s.model.History.Cap()
		}
		c.JSON(http.StatusOK, gin.H{
			"location_id":      s.model.LocationID,
			"stream":           s.model.status(),
			"history_samples":  len(s.model.history()),
			"history_capacity": historyCap,
			"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
			"refresh_ms":       s.cfg.RefreshInterval.Milliseconds(),
		})
	})

	api.GET("/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
