package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/creds"
	"github.com/kestrelworks/valet/internal/gateway"
	"github.com/kestrelworks/valet/internal/session"
)

func defaultConfigPath() string {
	return config.ExpandPath("~/.valet/config.json5")
}

func openGateway(configPath string, logger *slog.Logger, tail func() []string) (*gateway.Gateway, *config.Store, error) {
	store, err := config.Open(configPath, logger)
	if err != nil {
		return nil, nil, err
	}
	g, err := gateway.New(gateway.Options{
		Config:  store,
		Creds:   creds.Keychain{},
		Version: version,
		Logger:  logger,
		LogTail: tail,
	})
	if err != nil {
		return nil, nil, err
	}
	return g, store, nil
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the valet daemon",
		Long: `Run the daemon: session engine, heartbeat, cron jobs, Telegram
poller, and the loopback control panel. A running prior instance is asked
to exit first, so "valet serve" always wins the data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			ring := gateway.NewRingHandler(
				slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}), 0)
			logger := slog.New(ring)
			slog.SetDefault(logger)

			g, _, err := openGateway(configPath, logger, ring.Tail)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return g.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config overrides file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		role       string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			g, _, err := openGateway(configPath, logger, nil)
			if err != nil {
				return err
			}
			engine := g.Engine()

			var sess *session.Session
			if sessionID != "" {
				sess, err = engine.Store().Load(sessionID)
				if err != nil {
					return fmt.Errorf("resume session %s: %w", sessionID, err)
				}
			} else {
				sess = session.New(role)
			}
			fmt.Printf("session %s (Ctrl-D or /quit to exit)\n", sess.ID)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				for ev := range engine.SendStream(ctx, sess, line) {
					switch ev.Type {
					case "text":
						fmt.Print(ev.Text)
					case "tool_start":
						fmt.Printf("\n[%s]\n", ev.Tool)
					case "error":
						fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Error)
					case "done":
						fmt.Println()
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config overrides file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session by id")
	cmd.Flags().StringVarP(&role, "role", "r", "default", "Model role for a new session")
	return cmd
}

func buildHeartbeatCmd() *cobra.Command {
	var configPath string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one tick and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			g, _, err := openGateway(configPath, logger, nil)
			if err != nil {
				return err
			}
			res, err := g.Heartbeat().Tick(cmd.Context())
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	run.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config overrides file")

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Heartbeat operations",
	}
	cmd.AddCommand(run)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status via the control panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			store, err := config.Open(configPath, logger)
			if err != nil {
				return err
			}
			addr := store.Config().Panel.Addr
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/api/status")
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s (is valet serve running?): %w", addr, err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Println(string(out))
			} else {
				fmt.Println(string(body))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config overrides file")
	return cmd
}
