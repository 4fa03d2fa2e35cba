package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaamlink/chat-service/pkg/client"
	"github.com/kaamlink/chat-service/pkg/model"
)

var tailVerbose bool

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live and chat from stdin",
	Long: `Follow a conversation over the realtime channel and send messages
from stdin. When the channel is down, actions fall back to REST and the
view reconciles once it comes back.

Commands:
  /edit <id> <text>   edit one of your messages
  /delete <id>        delete one of your messages
  /read               mark everything read
  /older              load an older history page
  /retry <temp-id>    retry a failed send
  /typing             signal that you are typing
  /presence           show who is in the room
  /quit               leave`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().BoolVarP(&tailVerbose, "verbose", "v", false, "log client internals to stderr")
}

func runTail(cmd *cobra.Command, args []string) error {
	convID, err := parseID(args[0], "conversation id")
	if err != nil {
		return err
	}
	s, err := loadSession()
	if err != nil {
		return err
	}
	base := s.APIURL
	if apiURL != defaultAPIURL {
		base = apiURL
	}
	gw := s.GatewayURL
	if gatewayURL != defaultGatewayURL {
		gw = gatewayURL
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if tailVerbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	rest := client.NewREST(s.Token, client.WithBaseURL(base))
	sess := client.NewSession(client.SessionConfig{URL: gw, Token: s.Token, Logger: logger})
	d := client.NewDispatcher(rest, sess, s.UserID, logger)
	defer d.Close()

	r := newRenderer(s.UserID)
	d.OnChange(func() { r.render(d) })
	sess.OnState(func(st client.State) {
		switch st {
		case client.StateReconnecting:
			r.note("channel lost, reconnecting")
		case client.StateJoined:
			r.note("channel up")
		}
	})

	startCtx, cancel := context.WithTimeout(context.Background(), requestWait)
	err = d.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	openCtx, cancel := context.WithTimeout(context.Background(), requestWait)
	err = d.Open(openCtx, convID)
	cancel()
	if err != nil {
		return fmt.Errorf("open conversation %d: %w", convID, err)
	}

	fmt.Printf("Conversation %d as %s. /quit leaves.\n", convID, s.UserID)
	r.render(d)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				fmt.Print("> ")
				continue
			}
			if line == "/quit" {
				return
			}
			runLine(d, rest, r, convID, line)
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		fmt.Println("\rinterrupt")
	}
	d.CloseConversation()
	return nil
}

// runLine executes one stdin line: a slash command or a message to send.
func runLine(d *client.Dispatcher, rest *client.REST, r *renderer, convID int64, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestWait)
	defer cancel()

	switch {
	case strings.HasPrefix(line, "/edit "):
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			fmt.Println("usage: /edit <id> <text>")
			return
		}
		id, err := parseID(parts[1], "message id")
		if err != nil {
			fmt.Println(err)
			return
		}
		if err := d.Edit(ctx, id, parts[2]); err != nil {
			fmt.Printf("edit failed: %v\n", err)
		}

	case strings.HasPrefix(line, "/delete "):
		id, err := parseID(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")), "message id")
		if err != nil {
			fmt.Println(err)
			return
		}
		if err := d.Delete(ctx, id); err != nil {
			fmt.Printf("delete failed: %v\n", err)
		}

	case line == "/read":
		msgs := d.Messages()
		if len(msgs) == 0 {
			return
		}
		if err := d.MarkRead(ctx, msgs[len(msgs)-1].ID); err != nil {
			fmt.Printf("mark read failed: %v\n", err)
		}

	case line == "/older":
		if err := d.LoadOlder(ctx); err != nil {
			fmt.Printf("load older failed: %v\n", err)
			return
		}
		if !d.HasMore() {
			fmt.Println("(beginning of conversation)")
		}

	case strings.HasPrefix(line, "/retry "):
		tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if err := d.Retry(ctx, tempID); err != nil {
			fmt.Printf("retry failed: %v\n", err)
		}

	case line == "/typing":
		d.SetTyping(true)

	case line == "/presence":
		online, err := rest.Presence(ctx, convID)
		if err != nil {
			fmt.Printf("presence failed: %v\n", err)
			return
		}
		if len(online) == 0 {
			fmt.Println("nobody in the room")
			return
		}
		fmt.Printf("in the room: %s\n", strings.Join(online, ", "))

	case strings.HasPrefix(line, "/"):
		fmt.Println("unknown command")

	default:
		if _, err := d.Send(ctx, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
	r.render(d)
}

// renderer turns reducer state into terminal lines. It prints only what
// changed since the last call, so it can run on every fact.
type renderer struct {
	mu      sync.Mutex
	selfID  string
	seen    map[int64]string
	failed  map[string]bool
	typing  string
	seenAck int64
}

func newRenderer(selfID string) *renderer {
	return &renderer{
		selfID: selfID,
		seen:   make(map[int64]string),
		failed: make(map[string]bool),
	}
}

func (r *renderer) render(d *client.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out strings.Builder
	var readHigh int64

	for _, msg := range d.Messages() {
		if msg.SenderID == r.selfID && msg.IsRead && msg.ID > readHigh {
			readHigh = msg.ID
		}
		fp := fingerprint(msg)
		if r.seen[msg.ID] == fp {
			continue
		}
		r.seen[msg.ID] = fp
		fmt.Fprintf(&out, "\r%s\n", r.line(msg))
	}

	for _, p := range d.Pending() {
		if p.Failed && !r.failed[p.ClientTempID] {
			r.failed[p.ClientTempID] = true
			fmt.Fprintf(&out, "\rsend failed, /retry %s\n", p.ClientTempID)
		}
		if !p.Failed {
			delete(r.failed, p.ClientTempID)
		}
	}

	if readHigh > r.seenAck {
		r.seenAck = readHigh
		fmt.Fprintf(&out, "\r(seen)\n")
	}

	if names := strings.Join(d.TypingParticipants(), ", "); names != r.typing {
		r.typing = names
		if names != "" {
			fmt.Fprintf(&out, "\r%s is typing...\n", names)
		}
	}

	if out.Len() > 0 {
		fmt.Print(out.String())
		fmt.Print("> ")
	}
}

// note prints a status line without disturbing renderer state.
func (r *renderer) note(text string) {
	fmt.Printf("\r(%s)\n> ", text)
}

func (r *renderer) line(msg *model.Message) string {
	stamp := msg.CreatedAt.Local().Format("15:04")
	who := msg.SenderID
	if who == r.selfID {
		who = "you"
	}
	switch {
	case msg.IsDeleted:
		return fmt.Sprintf("[%d %s] %s deleted this message", msg.ID, stamp, who)
	case msg.IsEdited:
		return fmt.Sprintf("[%d %s] %s (edited): %s", msg.ID, stamp, who, previewOf(msg))
	default:
		return fmt.Sprintf("[%d %s] %s: %s", msg.ID, stamp, who, previewOf(msg))
	}
}

func fingerprint(msg *model.Message) string {
	var at time.Time
	if msg.EditedAt != nil {
		at = *msg.EditedAt
	}
	return fmt.Sprintf("%t|%t|%s|%s", msg.IsDeleted, msg.IsEdited, at.Format(time.RFC3339Nano), previewOf(msg))
}
