package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"nvcstack.local/facilitator/internal/auth"
	"nvcstack.local/facilitator/internal/ids"
	"nvcstack.local/facilitator/internal/kvstore"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/realtime"
	"nvcstack.local/facilitator/internal/session"
)

type chatOptions struct {
	url       string
	sessionID string
	user      string
	token     string
	deviceID  string
}

func newChatCommand(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a session from the terminal",
		Long: `Join a session over the websocket API.

Lines are sent as messages. "/step <type> <text>" completes a step and
"/quit" leaves. Input written while disconnected is queued and synced on
reconnect; the queue lives in Redis when one is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), root, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", envOrDefault("NVC_CHAT_URL", "ws://127.0.0.1:8080/api/v1/ws"), "websocket endpoint")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id to join")
	cmd.Flags().StringVar(&opts.user, "user", os.Getenv("NVC_CHAT_USER"), "user id sent in the "+auth.UserHeader+" header")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("NVC_CHAT_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&opts.deviceID, "device", "", "device id (random when empty)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runChat(ctx context.Context, root *rootOptions, opts *chatOptions, in io.Reader, out io.Writer) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}

	var store kvstore.Store = kvstore.NewMemory()
	if cfg.Redis.Addr != "" {
		redisStore, err := kvstore.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, kvstore.WithPrefix("nvc-chat:"))
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
	}

	header := http.Header{}
	if opts.user != "" {
		header.Set(auth.UserHeader, opts.user)
	}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	deviceID := opts.deviceID
	if deviceID == "" {
		deviceID = "cli-" + ids.New()
	}

	client, err := realtime.NewClient(logger, realtime.ClientConfig{
		URL:           opts.url,
		SessionID:     opts.sessionID,
		DeviceID:      deviceID,
		Header:        header,
		AutoReconnect: true,
	}, realtime.NewQueue(store, opts.sessionID))
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("connection closed")
		case err := <-client.Errors():
			fmt.Fprintf(out, "! %v\n", err)
		case ev := <-client.Events():
			printEvent(out, ev)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, client, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, client *realtime.Client, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case strings.HasPrefix(line, "/step "):
		fields := strings.SplitN(strings.TrimPrefix(line, "/step "), " ", 2)
		if len(fields) != 2 {
			return false, errors.New("usage: /step <type> <text>")
		}
		step, err := nvc.ParseStepType(fields[0])
		if err != nil {
			return false, err
		}
		_, err = client.CompleteStep(ctx, step, fields[1])
		return false, err
	default:
		_, err := client.SendMessage(ctx, line)
		return false, err
	}
}

func printEvent(out io.Writer, ev realtime.Event) {
	switch p := ev.Payload.(type) {
	case *realtime.MessageReceive:
		printMessage(out, p.Message)
	case *realtime.SendMessage:
		if p.Message != nil {
			printMessage(out, *p.Message)
		}
	case *realtime.StepComplete:
		fmt.Fprintf(out, "* %s completed\n", p.StepType.Title())
	case *realtime.SessionUpdate:
		s := p.Session
		fmt.Fprintf(out, "* session %s: %s, current step %s\n", s.ID, s.Status, s.CurrentStep.Title())
		if p.NeedsClarification {
			fmt.Fprintln(out, "* the facilitator would like more detail on that step")
		}
	case *realtime.Typing:
		if ev.Type == realtime.EventTypingStart && p.UserID == realtime.FacilitatorTypist {
			fmt.Fprintln(out, "* facilitator is typing...")
		}
	case *realtime.Error:
		fmt.Fprintf(out, "! %s: %s\n", p.Code, p.Message)
	case *realtime.SyncResult:
		for _, r := range p.Results {
			fmt.Fprintf(out, "* synced %s: %s\n", r.IdempotencyKey, r.Outcome)
		}
	}
}

func printMessage(out io.Writer, msg session.Message) {
	who := "you"
	if msg.Role == session.RoleAI {
		who = "facilitator"
	}
	fmt.Fprintf(out, "%s> %s\n", who, msg.Content)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
