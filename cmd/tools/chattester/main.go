package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/livechat/internal/config"
	"github.com/zhouzirui/livechat/internal/service/chat"
	"github.com/zhouzirui/livechat/internal/service/persistence"
	"github.com/zhouzirui/livechat/internal/service/transport"
	"github.com/zhouzirui/livechat/internal/store"
	"github.com/zhouzirui/livechat/internal/widget"
)

type testerOptions struct {
	url      string
	session  string
	messages []string
	timeout  time.Duration
	sqlite   string
	verbose  bool
}

func main() {
	_ = godotenv.Load()

	opts := testerOptions{}
	rootCmd := &cobra.Command{
		Use:   "chattester",
		Short: "Drive one visitor session against a chat relay",
		Long: `chattester mounts a single visitor session, dials the relay websocket,
sends the given messages and prints every snapshot until the timeout expires.

Without --sqlite the session history lives in memory only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTester(cmd.Context(), opts)
		},
	}

	rootCmd.Flags().StringVar(&opts.url, "url", os.Getenv("LIVECHAT_TRANSPORT_URL"), "relay websocket URL")
	rootCmd.Flags().StringVar(&opts.session, "session", "", "browsing-session id, generated when empty")
	rootCmd.Flags().StringArrayVarP(&opts.messages, "message", "m", nil, "visitor message to send (repeatable)")
	rootCmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to keep the session mounted")
	rootCmd.Flags().StringVar(&opts.sqlite, "sqlite", "", "persist the session into this SQLite file")
	rootCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTester(ctx context.Context, opts testerOptions) error {
	if strings.TrimSpace(opts.url) == "" {
		return fmt.Errorf("--url or LIVECHAT_TRANSPORT_URL is required")
	}

	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	sessionID := opts.session
	if sessionID == "" {
		sessionID = fmt.Sprintf("tester-%d", time.Now().UnixNano())
	}

	var kv store.KV = store.NewMemoryStore(0)
	if opts.sqlite != "" {
		s, err := store.NewSQLiteStore(opts.sqlite, 24*time.Hour)
		if err != nil {
			return err
		}
		defer s.Close()
		kv = s
	}

	locator, err := transport.NewDialLocator(opts.url, sessionID, transport.DefaultOptions(), logger)
	if err != nil {
		return err
	}

	cfg := chat.Config{
		PollInterval: transport.DefaultPollInterval,
		Widget:       widget.DefaultOptions(),
	}
	if envCfg, err := config.Load(); err == nil {
		cfg.PollInterval = envCfg.Transport.PollInterval
		cfg.Widget.AutoOpenOnAdmin = envCfg.Widget.AutoOpenOnAdmin
	}

	session := chat.NewSession(sessionID, persistence.New(kv, 0, logger), locator, cfg, logger)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	unsubscribe := session.Subscribe(printSnapshot)
	defer unsubscribe()

	session.Start(ctx)
	defer session.Close()

	if err := session.WaitHydrated(ctx); err != nil {
		return err
	}
	logger.Info().Str("session_id", sessionID).Str("url", locator.URL()).Msg("session mounted")

	for _, body := range opts.messages {
		if _, ok, err := session.Send(body); err != nil {
			return err
		} else if !ok {
			logger.Warn().Msg("skipping blank message")
		}
	}

	<-ctx.Done()
	final := session.Snapshot()
	logger.Info().
		Int("messages", len(final.Messages)).
		Int("pending", len(final.Pending)).
		Bool("transport_ready", final.TransportReady).
		Msg("tester finished")
	return nil
}

func printSnapshot(snap chat.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode snapshot: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
