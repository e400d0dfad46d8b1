package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/ambassador-labs/tou/internal/chat"
	"github.com/ambassador-labs/tou/pkg/tou"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := &ServerConfig{}
			if err := loadConfig(cmd.Context(), configPath, cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

// registry tracks every client currently online, for broadcast.
type registry struct {
	mu      sync.Mutex
	clients map[string]*tou.HostConnection
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*tou.HostConnection)}
}

func (r *registry) add(addr string, hc *tou.HostConnection) {
	r.mu.Lock()
	r.clients[addr] = hc
	r.mu.Unlock()
}

func (r *registry) remove(addr string) {
	r.mu.Lock()
	delete(r.clients, addr)
	r.mu.Unlock()
}

func (r *registry) broadcast(ctx context.Context, env chat.Envelope) {
	buf, err := json.Marshal(env)
	if err != nil {
		dlog.Errorf(ctx, "serve: marshaling broadcast: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, hc := range r.clients {
		if err := hc.Send(buf); err != nil {
			dlog.Tracef(ctx, "serve: broadcasting to %s: %v", addr, err)
		}
	}
}

func runServe(ctx context.Context, cfg *ServerConfig) error {
	host, err := tou.Listen(ctx, cfg.Addr, &tou.HostOptions{
		Options:        tou.Options{WindowSize: cfg.WindowSize},
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer host.Close()
	dlog.Infof(ctx, "touchat server listening on %s", host.LocalAddr())

	log := chat.NewLog(cfg.MaxMessages)
	presence := chat.NewPresence()
	clients := newRegistry()
	heartbeatTimeout := time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	grp.Go("accept", func(ctx context.Context) error {
		for {
			hc, err := host.Accept(ctx)
			if err != nil {
				return nil
			}
			addr := hc.RemoteAddr().String()
			clients.add(addr, hc)
			grp.Go("client:"+addr, func(ctx context.Context) error {
				defer clients.remove(addr)
				defer hc.Close()
				return serveClient(ctx, hc, log, presence, clients)
			})
		}
	})

	grp.Go("prune", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, addr := range presence.Prune(heartbeatTimeout) {
					dlog.Infof(ctx, "removing inactive user at %s", addr)
				}
			}
		}
	})

	return grp.Wait()
}

func serveClient(ctx context.Context, hc *tou.HostConnection, log *chat.Log, presence *chat.Presence, clients *registry) error {
	addr := hc.RemoteAddr().String()
	for {
		buf, err := hc.Recv(1, 4096)
		if err != nil {
			return nil
		}

		var env chat.Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			dlog.Tracef(ctx, "serve: malformed message from %s: %v", addr, err)
			continue
		}
		if env.DisplayName != "" {
			if presence.Touch(addr, env.DisplayName) {
				dlog.Infof(ctx, "%s joined from %s", env.DisplayName, addr)
			}
		}
		name, known := presence.DisplayName(addr)
		if !known {
			continue
		}

		switch env.Type {
		case chat.MessageTypeHeartbeat:
			reply := chat.Envelope{Type: chat.MessageTypeChat, Messages: log.Recent(20)}
			out, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			if err := hc.Send(out); err != nil {
				dlog.Tracef(ctx, "serve: replying to %s: %v", addr, err)
			}
		case chat.MessageTypeChat:
			entry := chat.NewEntry(name, env.Message)
			entry.Timestamp = time.Now().Format("2006-01-02 15:04:05")
			log.Append(entry)
			dlog.Infof(ctx, "%s: %s", entry.DisplayName, entry.Message)
			clients.broadcast(ctx, chat.Envelope{Type: chat.MessageTypeChat, Messages: []chat.Entry{entry}})
		}
	}
}
