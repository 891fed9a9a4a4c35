package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voxflow/internal/config"
)

// tailCmd streams the hub's event feed to stdout.
func tailCmd() *cobra.Command {
	var hubURL string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream orchestration events from a running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			target := hubURL
			if target == "" {
				target = fmt.Sprintf("ws://%s:%d/ws", hostForClient(cfg.Hub.Host), cfg.Hub.Port)
			}
			if cfg.Hub.Token != "" {
				u, perr := url.Parse(target)
				if perr != nil {
					return perr
				}
				q := u.Query()
				q.Set("token", cfg.Hub.Token)
				u.RawQuery = q.Encode()
				target = u.String()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, _, err := websocket.Dial(ctx, target, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", target, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "bye")
			conn.SetReadLimit(1 << 20)
			fmt.Fprintf(os.Stderr, "connected to %s\n", target)

			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				fmt.Println(string(data))
			}
		},
	}
	cmd.Flags().StringVar(&hubURL, "url", "", "hub WebSocket URL (default: from config)")
	return cmd
}

// hostForClient maps a wildcard bind address to a dialable host.
func hostForClient(host string) string {
	if host == "0.0.0.0" || host == "::" || host == "" {
		return "127.0.0.1"
	}
	return host
}
