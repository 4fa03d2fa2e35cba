// kaamchat is the terminal client for the chat service. It drives the
// same SDK an app screen would: REST for login, listings and one-shot
// actions, and the realtime channel for the interactive tail mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kaamlink/chat-service/pkg/client"
	"github.com/kaamlink/chat-service/pkg/event"
	"github.com/kaamlink/chat-service/pkg/model"
)

const (
	defaultAPIURL     = "http://localhost:8080"
	defaultGatewayURL = "ws://localhost:8081/ws"
	requestWait       = 15 * time.Second
)

var (
	apiURL     string
	gatewayURL string

	loginRole string
)

// session is what login leaves behind so the other commands can
// authenticate without asking again.
type session struct {
	APIURL     string `json:"api_url"`
	GatewayURL string `json:"gateway_url"`
	UserID     string `json:"user_id"`
	Token      string `json:"token"`
}

func sessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kaamchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "session.json"), nil
}

func loadSession() (*session, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("not logged in, run: kaamchat login <user-id>")
		}
		return nil, err
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cannot parse session file: %w", err)
	}
	if s.Token == "" {
		return nil, errors.New("not logged in, run: kaamchat login <user-id>")
	}
	return &s, nil
}

func saveSession(s *session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// restClient builds an authenticated REST client from the saved session.
// Command-line flags override the endpoints saved at login.
func restClient() (*client.REST, *session, error) {
	s, err := loadSession()
	if err != nil {
		return nil, nil, err
	}
	base := s.APIURL
	if apiURL != defaultAPIURL {
		base = apiURL
	}
	return client.NewREST(s.Token, client.WithBaseURL(base)), s, nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}

var rootCmd = &cobra.Command{
	Use:   "kaamchat",
	Short: "Terminal client for the chat service",
	Long:  "Chat between employers and job seekers from the terminal.\nLog in once, then list conversations, send messages, or tail a conversation live.",
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Obtain a dev token and save the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		role := model.Role(loginRole)
		switch role {
		case model.RoleJobSeeker, model.RoleEmployer:
		default:
			return fmt.Errorf("role must be %q or %q", model.RoleJobSeeker, model.RoleEmployer)
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()

		token, err := client.NewREST("", client.WithBaseURL(apiURL)).Login(ctx, userID, role)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := saveSession(&session{
			APIURL:     apiURL,
			GatewayURL: gatewayURL,
			UserID:     userID,
			Token:      token,
		}); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (%s).\n", userID, role)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, s, err := restClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()

		rows, err := rest.Conversations(ctx, 0, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(rows) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, row := range rows {
			unread := ""
			if row.UnreadCount > 0 {
				unread = fmt.Sprintf("  (%d unread)", row.UnreadCount)
			}
			preview := ""
			if row.LastMessage != nil {
				preview = "  " + previewOf(row.LastMessage)
			}
			fmt.Printf("  %d  %s  job %s%s%s\n",
				row.ID, row.Other(s.UserID), row.JobID, unread, preview)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <employer-id> <seeker-id> <job-id>",
	Short: "Open (or find) the conversation for a job posting",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rest, _, err := restClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()

		row, err := rest.StartConversation(ctx, args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d (%s / %s, job %s).\n",
			row.ID, row.EmployerID, row.SeekerID, row.JobID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message over REST",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		rest, _, err := restClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()

		ack, err := rest.Send(ctx, convID, event.SendMessage{
			ClientTempID: uuid.NewString(),
			Kind:         model.KindText,
			Content:      args[1],
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent message %d.\n", ack.Message.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> [message-id]",
	Short: "Mark a conversation read, up to the newest message by default",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		rest, _, err := restClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()

		var upTo int64
		if len(args) == 2 {
			if upTo, err = parseID(args[1], "message id"); err != nil {
				return err
			}
		} else {
			msgs, _, err := rest.Messages(ctx, convID, 0, 1)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if len(msgs) == 0 {
				fmt.Println("Nothing to read.")
				return nil
			}
			upTo = msgs[len(msgs)-1].ID
		}

		read, err := rest.MarkRead(ctx, convID, upTo)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Read up to message %d.\n", read.Marker.LastReadID)
		return nil
	},
}

func previewOf(msg *model.Message) string {
	if msg.IsDeleted {
		return "(deleted)"
	}
	if msg.Content != nil && *msg.Content != "" {
		return *msg.Content
	}
	if msg.Attachment != nil {
		return "[" + string(msg.Kind) + "]"
	}
	return ""
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultAPIURL, "REST api base URL")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", defaultGatewayURL, "gateway websocket URL")

	loginCmd.Flags().StringVar(&loginRole, "role", string(model.RoleJobSeeker), "jobseeker or employer")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
