// Smoke test for the REST surface. Logs in two users, opens a conversation,
// then walks the message lifecycle end to end against a running api service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kaamlink/chat-service/pkg/client"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "base url of the api service")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	anon := client.NewREST("", client.WithBaseURL(*apiURL))

	empToken, err := anon.Login(ctx, "verify-employer", model.RoleEmployer)
	if err != nil {
		log.Fatalf("login employer: %v", err)
	}
	seekToken, err := anon.Login(ctx, "verify-seeker", model.RoleJobSeeker)
	if err != nil {
		log.Fatalf("login seeker: %v", err)
	}
	log.Println("logged in both parties")

	emp := client.NewREST(empToken, client.WithBaseURL(*apiURL))
	seek := client.NewREST(seekToken, client.WithBaseURL(*apiURL))

	// Fresh job id per run so unread counts start from zero.
	jobID := fmt.Sprintf("verify-job-%d", time.Now().Unix())
	conv, err := emp.StartConversation(ctx, "verify-employer", "verify-seeker", jobID)
	if err != nil {
		log.Fatalf("start conversation: %v", err)
	}
	log.Printf("conversation %d for job %s", conv.ID, jobID)

	ack, err := emp.Send(ctx, conv.ID, event.SendMessage{
		ClientTempID: uuid.NewString(),
		Kind:         model.KindText,
		Content:      "hello from the verify script",
	})
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	log.Printf("sent message %d", ack.Message.ID)

	rows, err := seek.Conversations(ctx, 1, 50)
	if err != nil {
		log.Fatalf("list conversations: %v", err)
	}
	var found *model.ConversationSummary
	for _, row := range rows {
		if row.ID == conv.ID {
			found = row
		}
	}
	if found == nil {
		log.Fatalf("conversation %d missing from seeker's list", conv.ID)
	}
	if found.UnreadCount < 1 {
		log.Fatalf("expected unread count >= 1, got %d", found.UnreadCount)
	}
	log.Printf("seeker sees the conversation, %d unread", found.UnreadCount)

	msgs, _, err := seek.Messages(ctx, conv.ID, 0, 50)
	if err != nil {
		log.Fatalf("load messages: %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].ID != ack.Message.ID {
		log.Fatalf("message %d missing from history", ack.Message.ID)
	}
	log.Printf("history holds %d message(s)", len(msgs))

	read, err := seek.MarkRead(ctx, conv.ID, ack.Message.ID)
	if err != nil {
		log.Fatalf("mark read: %v", err)
	}
	if read.Marker.LastReadID != ack.Message.ID {
		log.Fatalf("read marker at %d, want %d", read.Marker.LastReadID, ack.Message.ID)
	}
	log.Println("seeker marked the message read")

	if _, err := emp.Edit(ctx, ack.Message.ID, "hello from the verify script (edited)"); err != nil {
		log.Fatalf("edit: %v", err)
	}
	if err := emp.Delete(ctx, ack.Message.ID); err != nil {
		log.Fatalf("delete: %v", err)
	}
	msgs, _, err = emp.Messages(ctx, conv.ID, 0, 50)
	if err != nil {
		log.Fatalf("reload messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if !last.IsDeleted || last.Content != nil {
		log.Fatalf("message %d should be a tombstone", last.ID)
	}
	log.Println("edit and delete verified")

	log.Println("verification passed")
}
