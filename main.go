package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crowdwatch/config"
	"crowdwatch/internal/alert"
	"crowdwatch/internal/archive"
	"crowdwatch/internal/dashboard"
	"crowdwatch/internal/history"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/relay"
	"crowdwatch/internal/state"
	"crowdwatch/internal/stream"
	"crowdwatch/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	path := config.ResolveConfigPath(*configPath)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := config.ValidateForEnvironment(cfg, env); err != nil {
		log.WithError(err).Error("Configuration rejected for environment")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithLocation(cfg.Stream.LocationID).WithFields(logger.Fields{
		"service":     cfg.Crowdwatch.Name,
		"version":     cfg.Crowdwatch.Version,
		"environment": env,
	}).Info("starting crowdwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sinks outlive ctx: they are stopped only after the connection has
	// delivered its last reading.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()
	var sinks []sinkStopper

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	hist, err := history.NewBuffer(cfg.History.Capacity)
	if err != nil {
		log.WithError(err).Error("failed to create history buffer")
		os.Exit(1)
	}
	labelLoc, err := cfg.History.Loc()
	if err != nil {
		log.WithError(err).Error("invalid history timezone")
		os.Exit(1)
	}
	latest := state.NewStore()

	policy, err := stream.PolicyFromConfig(cfg.Stream.Reconnect)
	if err != nil {
		log.WithError(err).Error("invalid reconnect policy")
		os.Exit(1)
	}

	pipeline := &stream.Pipeline{
		Latest:  latest,
		History: hist,
		Labeler: history.Labeler{Layout: cfg.History.LabelLayout, Location: labelLoc},
		Alerts:  alert.Passthrough{},
		Diag: stream.NewLogDiagnostics(log, cfg.Stream.LocationID,
			cfg.Stream.Diagnostics.RatePerSecond, cfg.Stream.Diagnostics.Burst),
	}

	gauges := []metrics.BufferGauge{{Name: "history", Len: hist.Len, Capacity: hist.Cap()}}

	if cfg.Archive.Enabled {
		uploader, err := archive.NewS3Uploader(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 uploader")
			os.Exit(1)
		}
		archiveWriter, err := archive.NewWriter(cfg.Archive, cfg.Stream.LocationID, uploader, log)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archiveWriter.Start(sinkCtx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
		pipeline.Sinks = append(pipeline.Sinks, archiveWriter)
		sinks = append(sinks, sinkStopper{name: "archive writer", stop: archiveWriter.Stop})
		gauges = append(gauges, metrics.BufferGauge{Name: "archive_queue", Len: archiveWriter.QueueLen, Capacity: archiveWriter.QueueCap()})
	} else {
		log.WithComponent("main").Info("archive disabled; skipping S3 export")
	}

	if cfg.Storage.Kafka.Enabled {
		publisher, err := relay.NewPublisher(cfg.Storage.Kafka, cfg.Stream.LocationID, log)
		if err != nil {
			log.WithError(err).Error("failed to create kafka relay")
			os.Exit(1)
		}
		if err := publisher.Start(sinkCtx); err != nil {
			log.WithError(err).Error("failed to start kafka relay")
			os.Exit(1)
		}
		pipeline.Sinks = append(pipeline.Sinks, publisher)
		sinks = append(sinks, sinkStopper{name: "kafka relay", stop: publisher.Stop})
		gauges = append(gauges, metrics.BufferGauge{Name: "relay_queue", Len: publisher.QueueLen, Capacity: publisher.QueueCap()})
	}

	metrics.StartBufferMetrics(ctx, log, cfg.Metrics.BufferInterval, gauges...)

	dialer := &stream.WebsocketDialer{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		KeepAlive:        cfg.Stream.KeepAlive,
		ReadTimeout:      cfg.Stream.ReadTimeout,
		Log:              log,
	}
	if cfg.Stream.LocalIP != "" {
		dialer.LocalIP = net.ParseIP(cfg.Stream.LocalIP)
	}

	conn, err := stream.Open(ctx, stream.Options{
		LocationID: cfg.Stream.LocationID,
		Endpoint:   cfg.Stream.URL,
		Dialer:     dialer,
		Reconnect:  policy,
		Log:        log,
	}, pipeline)
	if err != nil {
		log.WithError(err).Error("failed to open stream connection")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	srv, err := dashboard.NewServer(cfg.Dashboard, dashboard.ReadModel{
		LocationID: cfg.Stream.LocationID,
		Location:   cfg.Location,
		Latest:     latest,
		History:    hist,
		Status: func() dashboard.StreamStatus {
			st := dashboard.StreamStatus{
				ConnectionID: conn.ID(),
				State:        conn.State().String(),
				URL:          conn.URL(),
				Sessions:     conn.Sessions(),
			}
			if err := conn.LastError(); err != nil {
				st.LastError = err.Error()
			}
			return st
		},
	}, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard stopped with error")
			}
		}()
	} else {
		log.WithComponent("main").Info("dashboard disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-conn.Done():
		log.WithFields(logger.Fields{"state": conn.State().String()}).Warn("stream connection ended; waiting for signal")
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	}

	log.Info("starting graceful shutdown")
	conn.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		stopSinksAfter(conn.Done(), log, sinks)
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("crowdwatch stopped")
}

type sinkStopper struct {
	name string
	stop func()
}

// stopSinksAfter waits for the stream event loop to exit, then stops each
// sink so it drains whatever the final session offered.
func stopSinksAfter(streamDone <-chan struct{}, log *logger.Log, sinks []sinkStopper) {
	<-streamDone
	for _, s := range sinks {
		log.WithFields(logger.Fields{"sink": s.name}).Info("stopping sink")
		s.stop()
	}
}
