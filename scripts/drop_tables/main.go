// Drops the chat tables. Development helper; the keyspace itself stays.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/gocql/gocql"

	"github.com/kaamlink/chat-service/pkg/config"
)

var tables = []string{
	"messages",
	"message_index",
	"conversations_by_pair",
	"conversations_by_participant",
	"conversations",
}

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cluster := gocql.NewCluster(cfg.Scylla.Hosts...)
	cluster.Keyspace = cfg.Scylla.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second
	session, err := cluster.CreateSession()
	if err != nil {
		log.Fatalf("connect scylla: %v", err)
	}
	defer session.Close()

	for _, table := range tables {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			log.Fatalf("drop %s: %v", table, err)
		}
		log.Printf("dropped %s", table)
	}
}
