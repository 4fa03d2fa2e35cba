// The api service is the REST surface: initial loads for both screens
// and the fallback path for clients whose event channel is down. Every
// mutation goes through the same chat service the gateway uses and
// publishes facts to the bus, so connected sessions still converge.
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

	"github.com/redis/go-redis/v9"

	"github.com/kaamlink/chat-service/pkg/auth"
	"github.com/kaamlink/chat-service/pkg/bus"
	"github.com/kaamlink/chat-service/pkg/chat"
	"github.com/kaamlink/chat-service/pkg/config"
	"github.com/kaamlink/chat-service/pkg/db"
	"github.com/kaamlink/chat-service/pkg/httpapi"
	"github.com/kaamlink/chat-service/pkg/logging"
	"github.com/kaamlink/chat-service/pkg/presence"
	"github.com/kaamlink/chat-service/pkg/readstate"
	"github.com/kaamlink/chat-service/pkg/snowflake"
	"github.com/kaamlink/chat-service/pkg/store"
	"github.com/kaamlink/chat-service/pkg/typing"
)

// corsMiddleware keeps browser-based dev clients working against a
// locally running service. The production edge strips and re-applies
// these headers itself.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	ids, err := snowflake.NewNode(cfg.Scylla.NodeID)
	if err != nil {
		logger.Error("snowflake node", "node_id", cfg.Scylla.NodeID, "error", err)
		os.Exit(1)
	}

	session, err := db.NewSession(cfg.Scylla, logger)
	if err != nil {
		logger.Error("connect scylla", "hosts", cfg.Scylla.Hosts, "error", err)
		os.Exit(1)
	}
	defer session.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pub := bus.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)

	authSvc := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire)
	chatSvc := chat.New(
		store.NewScylla(session, ids),
		readstate.NewRedis(rdb),
		typing.NewRedis(rdb, cfg.Chat.TypingTTL),
		pub,
		ids,
		logger,
		chat.Config{PageSize: cfg.Chat.PageSize, MaxPageSize: cfg.Chat.MaxPageSize},
	)

	server := httpapi.NewServer(chatSvc, authSvc, presence.NewRedis(rdb), logger, cfg.API)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           corsMiddleware(server.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("api listening", "addr", cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	_ = pub.Close()
	logger.Info("api stopped")
}
