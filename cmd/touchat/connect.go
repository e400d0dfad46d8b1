package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ambassador-labs/tou/internal/chat"
	"github.com/ambassador-labs/tou/pkg/tou"
)

func newConnectCommand() *cobra.Command {
	var configPath string
	cfg := &ClientConfig{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a chat server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(cmd.Context(), configPath, cfg); err != nil {
				return err
			}
			if cfg.ServerAddr == "" {
				return errors.New("touchat: --server is required (or set TOUCHAT_SERVER_ADDR)")
			}
			if cfg.DisplayName == "" {
				return errors.New("touchat: --name is required (or set TOUCHAT_DISPLAY_NAME)")
			}
			return runConnect(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&cfg.ServerAddr, "server", "", "server address, host:port")
	cmd.Flags().StringVar(&cfg.DisplayName, "name", "", "display name shown to other users")
	return cmd
}

func runConnect(ctx context.Context, cfg *ClientConfig) error {
	cc, err := tou.Dial(ctx, cfg.ServerAddr, &tou.Options{WindowSize: cfg.WindowSize})
	if err != nil {
		return errors.Wrap(err, "touchat: connecting")
	}
	defer cc.Close()
	fmt.Printf("Connected to %s as %s. Type a message and press enter.\n", cfg.ServerAddr, cfg.DisplayName)

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	grp.Go("heartbeat", func(ctx context.Context) error {
		return sendHeartbeats(ctx, cc, cfg)
	})
	grp.Go("recv", func(ctx context.Context) error {
		return printIncoming(ctx, cc)
	})
	grp.Go("stdin", func(ctx context.Context) error {
		return sendTypedMessages(ctx, cc, cfg)
	})

	return grp.Wait()
}

func sendHeartbeats(ctx context.Context, cc *tou.ClientConnection, cfg *ClientConfig) error {
	interval := time.Duration(cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf, err := json.Marshal(chat.Envelope{Type: chat.MessageTypeHeartbeat, DisplayName: cfg.DisplayName})
	if err != nil {
		return err
	}
	for {
		if err := cc.Send(buf); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printIncoming(ctx context.Context, cc *tou.ClientConnection) error {
	for {
		buf, err := cc.Recv(1, 4096)
		if err != nil {
			return nil
		}
		var env chat.Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			continue
		}
		for _, entry := range env.Messages {
			fmt.Printf("%s [%s]: %s\n", entry.DisplayName, entry.Timestamp, entry.Message)
		}
	}
}

func sendTypedMessages(ctx context.Context, cc *tou.ClientConnection, cfg *ClientConfig) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		buf, err := json.Marshal(chat.Envelope{Type: chat.MessageTypeChat, DisplayName: cfg.DisplayName, Message: line})
		if err != nil {
			continue
		}
		if err := cc.Send(buf); err != nil {
			return nil
		}
	}
	return scanner.Err()
}
