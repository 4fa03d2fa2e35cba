package db

import (
	"log/slog"
	"time"

	"github.com/gocql/gocql"

	"github.com/kaamlink/chat-service/pkg/config"
)

type Session struct {
	*gocql.Session
}

func NewSession(cfg config.Scylla, logger *slog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	logger.Info("connected to scylla", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return &Session{Session: session}, nil
}
