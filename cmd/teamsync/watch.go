package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"teamsync/internal/backoff"
	"teamsync/internal/client"
	"teamsync/internal/config"
	"teamsync/internal/reconcile"
	"teamsync/internal/workspace"
	"teamsync/pkg/types"
)

// websocketURL derives the /ws endpoint from the API base URL.
func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func clientConfig(c config.ClientConfig) client.Config {
	return client.Config{
		PingInterval:   c.PingInterval,
		InboundTimeout: c.InboundTimeout,
		Backoff: backoff.Policy{
			Base:        c.BackoffBase,
			Multiplier:  c.BackoffMultiplier,
			Max:         c.BackoffMax,
			Jitter:      c.BackoffJitter,
			MaxAttempts: c.MaxAttempts,
		},
	}
}

func workspaceConfig(cfg *config.Config) workspace.Config {
	rc := reconcile.DefaultConfig()
	rc.MaxPendingAge = cfg.Reconcile.MaxPendingAge
	rc.MutateTimeout = cfg.Reconcile.MutateTimeout
	rc.Rehydrate.MaxAttempts = cfg.Reconcile.RehydrateAttempts
	rc.MaxTombstones = cfg.Reconcile.MaxTombstones
	return workspace.Config{SeenCapacity: cfg.Client.SeenCapacity, Reconcile: rc}
}

// watch connects, enters scope and renders the board to out after every
// change. With once set it renders the first loaded board and returns.
func watch(ctx context.Context, cfg *config.Config, scope string, once bool, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	wsURL, err := websocketURL(cfg.Client.ServerURL)
	if err != nil {
		return err
	}
	creds := types.Credentials{Token: cfg.Client.Token, DeviceID: cfg.Client.DeviceID}

	connector := client.NewConnector(client.NewWSDialer(wsURL, logger), clientConfig(cfg.Client), logger)
	session, err := connector.Open(ctx, creds)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer func() { _ = session.Close() }()

	api := client.NewAPIClient(cfg.Client.ServerURL, cfg.Client.Token, logger)
	api.SessionID = session.SessionID

	ws := workspace.New(session, api, workspaceConfig(cfg), logger)
	defer func() { _ = ws.Close(context.Background()) }()

	if err := ws.Enter(ctx, scope); err != nil && !errors.Is(err, types.ErrRehydrationFailure) {
		return err
	}

	render := func() error {
		board, err := ws.Board(ctx)
		if err != nil {
			return err
		}
		return workspace.RenderBoard(out, board, ws.Presence(), ws.Degraded())
	}
	if err := render(); err != nil || once {
		return err
	}

	for {
		select {
		case <-ws.Changes():
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
			if err := render(); err != nil {
				return err
			}
		case status := <-session.StatusChanges():
			logger.Info("connection status", zap.String("status", string(status)))
		case <-session.Done():
			return session.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

func newWatchCmd(c *cli) *cobra.Command {
	var (
		scope string
		once  bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a client and print a scope's board on every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Client.Token == "" || c.cfg.Client.DeviceID == "" {
				return errors.New("watch needs --token and --device (or client.token and client.device_id)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, c.cfg, scope, once, cmd.OutOrStdout(), c.logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&scope, "scope", "", "scope to watch")
	flags.BoolVar(&once, "once", false, "print the board once and exit")
	flags.String("server", "", "server base URL")
	flags.String("token", "", "bearer token")
	flags.String("device", "", "device id")
	_ = c.v.BindPFlag("client.server_url", flags.Lookup("server"))
	_ = c.v.BindPFlag("client.token", flags.Lookup("token"))
	_ = c.v.BindPFlag("client.device_id", flags.Lookup("device"))
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
