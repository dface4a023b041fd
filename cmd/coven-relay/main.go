// ABOUTME: Entry point for coven-relay
// ABOUTME: Buffers Slack and Matrix thread messages and relays quiet threads to coven-gateway

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/attachments"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/batcher"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/ingest"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/server"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/threadbuf"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: coven-relay <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the relay")
	fmt.Fprintln(w, "  health    Check relay health")
	fmt.Fprintln(w, "  threads   List buffered threads")
	fmt.Fprintln(w, "  version   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx, os.Stdout)
	case "threads":
		err = runThreads(ctx, os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printStartup(configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Gateway", cfg.Gateway.URL)
	line("Database", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Slack.Enabled {
		line("Slack", cfg.Slack.EventsPath)
	}
	if cfg.Matrix.Enabled {
		line("Matrix", cfg.Matrix.UserID)
	}
	line("Quiet", cfg.Batching.QuietPeriod.String())
	fmt.Println()
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printStartup(configPath, cfg)

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting coven-relay",
		"config", configPath,
		"gateway", cfg.Gateway.URL,
		"slack", cfg.Slack.Enabled,
		"matrix", cfg.Matrix.Enabled,
	)

	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer ledger.Close()

	spool, err := attachments.NewSpool(cfg.Attachments.Dir, cfg.Attachments.MaxBytes, logger)
	if err != nil {
		return fmt.Errorf("creating attachment spool: %w", err)
	}

	seen := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer seen.Close()

	buf := threadbuf.New()

	gateway, err := relay.NewGatewayClient(cfg.Gateway.URL, relay.GatewayOptions{
		JWTSecret:   cfg.Gateway.JWTSecret,
		PrincipalID: cfg.Gateway.PrincipalID,
		TokenTTL:    cfg.Gateway.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("creating gateway client: %w", err)
	}

	repliers := make(map[string]relay.Replier)
	var slackClient *slack.Client
	if cfg.Slack.Enabled {
		slackClient = slack.New(cfg.Slack.BotToken)
		repliers[relay.PlatformSlack] = relay.NewSlackReplier(slackClient)
	}

	var matrixClient *mautrix.Client
	if cfg.Matrix.Enabled {
		matrixClient, err = newMatrixClient(ctx, cfg.Matrix)
		if err != nil {
			return err
		}
		repliers[relay.PlatformMatrix] = relay.NewMatrixReplier(matrixClient)

		if cfg.Matrix.Encryption {
			mc, err := ingest.EnableMatrixCrypto(ctx, matrixClient, cfg.Matrix.RecoveryKey, filepath.Dir(cfg.Database.Path), logger)
			if err != nil {
				return fmt.Errorf("enabling matrix encryption: %w", err)
			}
			defer mc.Close()
		}
	}

	rel := relay.New(gateway, ledger, spool, repliers, logger)
	flusher := batcher.New(buf, rel, batcher.Options{
		QuietPeriod:     cfg.Batching.QuietPeriod,
		MaxWait:         cfg.Batching.MaxWait,
		MaxBatch:        cfg.Batching.MaxBatch,
		Workers:         cfg.Batching.Workers,
		ShutdownTimeout: cfg.Batching.ShutdownTimeout,
	}, logger)

	srvOpts := server.Options{
		Server:    cfg.Server,
		Tailscale: cfg.Tailscale,
	}
	if cfg.Server.APIJWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.APIJWTSecret))
		if err != nil {
			return fmt.Errorf("creating API token verifier: %w", err)
		}
		srvOpts.APIVerifier = verifier
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Slack.Enabled {
		handler := ingest.NewSlackHandler(slackClient, buf, flusher, spool, seen, ingest.SlackOptions{
			SigningSecret:   cfg.Slack.SigningSecret,
			AllowedChannels: cfg.Slack.AllowedChannels,
		}, logger)
		srvOpts.SlackEventsPath = cfg.Slack.EventsPath
		srvOpts.SlackHandler = handler
		g.Go(func() error { return handler.Run(gctx) })
	}

	if cfg.Matrix.Enabled {
		source := ingest.NewMatrixSource(matrixClient, buf, flusher, spool, seen, ingest.MatrixOptions{
			UserID:        cfg.Matrix.UserID,
			AutoJoin:      cfg.Matrix.AutoJoin,
			AllowedUsers:  cfg.Matrix.AllowedUsers,
			AllowedRooms:  cfg.Matrix.AllowedRooms,
			AlwaysOnRooms: cfg.Matrix.AlwaysOnRooms,
		}, logger)
		g.Go(func() error { return source.Run(gctx) })
	}

	srv := server.New(srvOpts, buf, ledger, logger)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return flusher.Run(gctx) })

	err = g.Wait()
	logger.Info("coven-relay stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newMatrixClient creates the Matrix client and resolves its device ID,
// which end-to-end encryption needs.
func newMatrixClient(ctx context.Context, cfg config.MatrixConfig) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking matrix access token: %w", err)
	}
	if whoami.UserID != client.UserID {
		return nil, fmt.Errorf("matrix access token belongs to %s, not %s", whoami.UserID, client.UserID)
	}
	client.DeviceID = whoami.DeviceID
	return client, nil
}

// localURL returns the base URL for the admin subcommands.
func localURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context, w io.Writer) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Fprintln(w, "healthy")
	return nil
}

func runThreads(ctx context.Context, w io.Writer) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg)+"/api/threads", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if cfg.Server.APIJWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.APIJWTSecret))
		if err != nil {
			return err
		}
		token, err := verifier.Generate("coven-relay-cli", time.Minute)
		if err != nil {
			return err
		}
		auth.BearerToken(req, token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var threads server.ThreadsResponse
	if err := json.NewDecoder(resp.Body).Decode(&threads); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printThreads(w, threads)
	return nil
}

func printThreads(w io.Writer, threads server.ThreadsResponse) {
	if len(threads.Threads) == 0 {
		fmt.Fprintln(w, "no registered threads")
		return
	}
	for _, t := range threads.Threads {
		fmt.Fprintf(w, "%-24s %-24s %4d pending\n", t.ChannelID, t.ThreadTS, t.Pending)
	}
	fmt.Fprintf(w, "%d threads, %d pending messages\n", len(threads.Threads), threads.Pending)
}
