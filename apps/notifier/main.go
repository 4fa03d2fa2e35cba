// The notifier bridges the fact bus to the platform's push pipeline.
// It consumes under one shared group id, so a fleet of notifiers splits
// the stream instead of duplicating pushes. Store writes have already
// happened by the time a fact arrives here; this service only decides
// what is worth a phone buzz.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaamlink/chat-service/pkg/bus"
	"github.com/kaamlink/chat-service/pkg/config"
	"github.com/kaamlink/chat-service/pkg/logging"
	"github.com/kaamlink/chat-service/pkg/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config yaml")
		metricsAddr = flag.String("metrics", ":9091", "metrics listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	var sink Sink
	if cfg.Notifier.SinkURL != "" {
		sink = NewWebhookSink(cfg.Notifier.SinkURL)
		logger.Info("using webhook sink", "url", cfg.Notifier.SinkURL)
	} else {
		sink = LogSink{logger: logger}
		logger.Info("no sink configured, logging notes")
	}
	consumer := NewConsumer(sink, logger)

	sub := bus.NewKafkaSubscriber(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Notifier.Group, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics serve", "error", err)
		}
	}()

	logger.Info("notifier consuming", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic, "group", cfg.Notifier.Group)
	if err := sub.Subscribe(ctx, consumer.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bus subscribe", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = sub.Close()
	logger.Info("notifier stopped")
}
