package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	oasis "github.com/adrata/oasis-go"
	"github.com/adrata/oasis-go/amqp"
	"github.com/adrata/oasis-go/diskcache"
	"github.com/adrata/oasis-go/redis"
)

const (
	// requestTimeout bounds one-shot commands.
	requestTimeout = 15 * time.Second

	defaultWebhookAddr = ":8787"
)

// parseScope parses a scope argument. A bare channel/<id> or dm/<id> uses
// the configured workspace.
func parseScope(arg, defaultWorkspace string) (oasis.ConversationScope, error) {
	arg = strings.Trim(arg, "/")
	if strings.Count(arg, "/") == 1 {
		arg = defaultWorkspace + "/" + arg
	}
	return oasis.ParseScope(arg)
}

// getClient creates a REST client from the config.
func getClient(cfg *Config) *oasis.Client {
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'oasis init <token>' first.")
		os.Exit(1)
	}
	opts := []oasis.ClientOption{oasis.WithLogger(slog.Default())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, oasis.WithBaseURL(cfg.Default.BaseURL))
	}
	return oasis.NewClient(cfg.Default.Token, opts...)
}

// openCache builds the configured snapshot cache and a func releasing it.
func openCache(ctx context.Context, cfg *Config) (oasis.SnapshotCache, func(), error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return oasis.NewMemoryCache(oasis.SnapshotTTL), func() {}, nil
	case "redis":
		addr := valueOrDefault(cfg.Cache.RedisAddr, "localhost:6379")
		c, err := redis.Connect(ctx, addr, oasis.SnapshotTTL)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	case "pebble":
		dir := cfg.Cache.PebbleDir
		if dir == "" {
			base, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			dir = filepath.Join(base, "cache")
		}
		c, err := diskcache.Open(dir, oasis.SnapshotTTL)
		if err != nil {
			return nil, nil, err
		}
		if n, err := c.Prune(); err != nil {
			slog.Warn("cache prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("pruned expired snapshots", "count", n)
		}
		return c, func() { c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// pushSource is a configured transport. start runs once the transport is
// bound to a Sync.
type pushSource struct {
	transport oasis.Transport
	start     func(ctx context.Context) error
	close     func()
}

func openTransport(ctx context.Context, cfg *Config) (*pushSource, error) {
	logger := slog.Default()
	switch cfg.Transport.Kind {
	case "", "none":
		return &pushSource{start: noStart, close: func() {}}, nil

	case "ws":
		url := valueOrDefault(cfg.Transport.URL, cfg.Default.BaseURL)
		if url == "" {
			return nil, errors.New("transport.url or default.base_url is required for ws")
		}
		ws := oasis.NewWSTransport(url, &oasis.RealtimeConfig{
			Token:         cfg.Default.Token,
			AutoReconnect: true,
			Logger:        logger,
		})
		return &pushSource{
			transport: ws,
			start:     ws.Connect,
			close:     func() { ws.Disconnect() },
		}, nil

	case "webhook":
		wh, err := oasis.NewWebhookTransport(cfg.Transport.WebhookSecret, logger)
		if err != nil {
			return nil, err
		}
		srv := &http.Server{
			Addr:              valueOrDefault(cfg.Transport.WebhookAddr, defaultWebhookAddr),
			Handler:           wh,
			ReadHeaderTimeout: 10 * time.Second,
		}
		start := func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("webhook listener stopped", "addr", srv.Addr, "error", err)
				}
			}()
			return nil
		}
		stop := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}
		return &pushSource{transport: wh, start: start, close: stop}, nil

	case "amqp":
		t, err := amqp.Dial(ctx, amqp.Config{
			URL:      cfg.Transport.AMQPURL,
			Exchange: cfg.Transport.AMQPExchange,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return &pushSource{transport: t, start: noStart, close: func() { t.Close() }}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func noStart(context.Context) error { return nil }

// session bundles an open conversation with everything it holds open.
type session struct {
	*oasis.Session
	sync    *oasis.Sync
	release []func()
}

func (s *session) Close() {
	if s.sync != nil {
		s.sync.Close()
	}
	for i := len(s.release) - 1; i >= 0; i-- {
		s.release[i]()
	}
}

// openSession loads the config, wires a Sync over the configured cache and
// transport, and opens scopeArg. A load failure is returned only when there
// is not even a cached placeholder to show.
func openSession(ctx context.Context, scopeArg string, withTransport bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	scope, err := parseScope(scopeArg, cfg.Default.WorkspaceID)
	if err != nil {
		return nil, err
	}
	client := getClient(cfg)

	cache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	s := &session{release: []func(){closeCache}}

	src := &pushSource{start: noStart, close: func() {}}
	if withTransport {
		if src, err = openTransport(ctx, cfg); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open transport: %w", err)
		}
		s.release = append(s.release, src.close)
	}

	s.sync = oasis.NewSync(client, src.transport, oasis.Options{
		User:   oasis.Identity{UserID: cfg.Default.UserID, DisplayName: cfg.Default.UserName},
		Cache:  cache,
		Logger: slog.Default(),
	})
	if err := src.start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}

	sess, err := s.sync.Open(ctx, scope)
	if sess == nil {
		s.Close()
		return nil, err
	}
	s.Session = sess
	if err != nil {
		if len(sess.Snapshot()) == 0 {
			s.Close()
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Showing cached messages: %v\n", err)
	}
	return s, nil
}

func printMessage(m oasis.Message) {
	who := valueOrDefault(m.SenderDisplayName, m.SenderID)
	line := fmt.Sprintf("%s  %-12s  %s", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Content)
	if m.Pending {
		line += "  (sending)"
	}
	if m.ThreadReplyCount > 0 {
		line += fmt.Sprintf("  [%d replies]", m.ThreadReplyCount)
	}
	if len(m.Reactions) > 0 {
		counts := make(map[string]int)
		var order []string
		for _, r := range m.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		var parts []string
		for _, e := range order {
			parts = append(parts, fmt.Sprintf("%s %d", e, counts[e]))
		}
		line += "  " + strings.Join(parts, " ")
	}
	fmt.Printf("%s  #%s\n", line, m.ID)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
