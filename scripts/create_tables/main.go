// Creates the keyspace and tables the chat service expects. Safe to run
// repeatedly; everything is IF NOT EXISTS.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gocql/gocql"

	"github.com/kaamlink/chat-service/pkg/config"
)

var tables = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id bigint PRIMARY KEY,
		employer_id text,
		seeker_id text,
		job_id text,
		last_message_at timestamp,
		is_active boolean,
		created_at timestamp
	)`,
	// Uniqueness anchor: one conversation per (employer, seeker, job).
	`CREATE TABLE IF NOT EXISTS conversations_by_pair (
		employer_id text,
		seeker_id text,
		job_id text,
		conversation_id bigint,
		PRIMARY KEY ((employer_id, seeker_id), job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations_by_participant (
		participant_id text,
		conversation_id bigint,
		PRIMARY KEY (participant_id, conversation_id)
	)`,
	// Newest-first clustering makes the latest page a plain LIMIT query.
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id bigint,
		id bigint,
		sender_id text,
		kind text,
		content text,
		attachment_url text,
		attachment_name text,
		attachment_size bigint,
		attachment_mime text,
		created_at timestamp,
		edited_at timestamp,
		is_edited boolean,
		is_deleted boolean,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS message_index (
		message_id bigint PRIMARY KEY,
		conversation_id bigint
	)`,
}

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Keyspace creation needs a session with no keyspace bound yet.
	cluster := gocql.NewCluster(cfg.Scylla.Hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second
	session, err := cluster.CreateSession()
	if err != nil {
		log.Fatalf("connect scylla: %v", err)
	}
	if err := session.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		cfg.Scylla.Keyspace,
	)).Exec(); err != nil {
		log.Fatalf("create keyspace: %v", err)
	}
	session.Close()

	cluster.Keyspace = cfg.Scylla.Keyspace
	session, err = cluster.CreateSession()
	if err != nil {
		log.Fatalf("connect keyspace %s: %v", cfg.Scylla.Keyspace, err)
	}
	defer session.Close()

	for _, ddl := range tables {
		if err := session.Query(ddl).Exec(); err != nil {
			log.Fatalf("create table: %v\n%s", err, ddl)
		}
	}
	log.Printf("schema ready in keyspace %s", cfg.Scylla.Keyspace)
}
