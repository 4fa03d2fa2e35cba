// The gateway terminates websocket event channels. It authenticates
// connections, applies inbound commands through the chat service, and
// fans stored facts out to the sessions that should see them. Facts
// travel over the bus so every gateway instance sees every fact.
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

	"github.com/gorilla/mux"
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
	"github.com/kaamlink/chat-service/pkg/rooms"
	"github.com/kaamlink/chat-service/pkg/snowflake"
	"github.com/kaamlink/chat-service/pkg/store"
	"github.com/kaamlink/chat-service/pkg/telemetry"
	"github.com/kaamlink/chat-service/pkg/typing"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml")
		standalone = flag.Bool("standalone", false, "in-process store, trackers and bus; serves REST on the same port")
	)
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

	var (
		st     store.Store
		reads  readstate.Tracker
		typ    typing.Tracker
		online presence.Tracker
		pub    bus.Publisher
		sub    bus.Subscriber
	)
	if *standalone {
		mem := bus.NewMemory()
		st = store.NewMemory(ids)
		reads = readstate.NewMemory()
		typ = typing.NewMemory(cfg.Chat.TypingTTL)
		online = presence.NewMemory()
		pub, sub = mem, mem
		logger.Info("standalone mode: in-process backends, REST included")
	} else {
		session, err := db.NewSession(cfg.Scylla, logger)
		if err != nil {
			logger.Error("connect scylla", "hosts", cfg.Scylla.Hosts, "error", err)
			os.Exit(1)
		}
		defer session.Close()
		st = store.NewScylla(session, ids)

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		reads = readstate.NewRedis(rdb)
		typ = typing.NewRedis(rdb, cfg.Chat.TypingTTL)
		online = presence.NewRedis(rdb)

		pub = bus.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		// Each gateway must see the whole fact stream, so every instance
		// consumes under its own group id.
		sub = bus.NewKafkaSubscriber(cfg.Kafka.Brokers, cfg.Kafka.Topic, bus.FanoutGroup("chat-gateway"), logger)
	}

	authSvc := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire)
	chatSvc := chat.New(st, reads, typ, pub, ids, logger, chat.Config{
		PageSize:    cfg.Chat.PageSize,
		MaxPageSize: cfg.Chat.MaxPageSize,
	})
	hub := rooms.NewHub(chatSvc, online, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)
	go func() {
		if err := sub.Subscribe(ctx, hub.Deliver); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bus subscribe", "error", err)
			stop()
		}
	}()

	var router *mux.Router
	if *standalone {
		// The REST surface rides along so one process serves both
		// transports against the same in-process state.
		router = httpapi.NewServer(chatSvc, authSvc, online, logger, cfg.API).Router()
	} else {
		router = mux.NewRouter()
		router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}).Methods(http.MethodGet)
		router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/ws", serveWS(hub, authSvc, logger))

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Addr)
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
	_ = sub.Close()
	_ = pub.Close()
	logger.Info("gateway stopped")
}
