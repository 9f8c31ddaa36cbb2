// Package amqp delivers push events over a RabbitMQ topic exchange. Every
// client owns an exclusive, auto-deleted queue and binds one routing key per
// subscribed topic.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adrata/oasis-go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange servers publish push events to.
const DefaultExchange = "oasis.push"

type Config struct {
	URL      string
	Exchange string

	// DialAttempts bounds the initial dial. Reconnects after a drop retry
	// until Close.
	DialAttempts  int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 5
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = oasis.DefaultBackoffBase
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = oasis.DefaultBackoffMax
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Transport is an oasis.Transport over AMQP 0-9-1.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	backoff func(int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	topics  map[string]struct{}
	handler oasis.TransportHandler
}

var _ oasis.Transport = (*Transport)(nil)

// Dial connects to the broker with exponential backoff and declares the
// client's queue.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	cfg.defaults()
	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		logger:  cfg.Logger,
		backoff: oasis.ExponentialBackoff(cfg.ReconnectBase, cfg.ReconnectMax),
		ctx:     tctx,
		cancel:  cancel,
		topics:  make(map[string]struct{}),
	}

	var lastErr error
	for i := 0; i < cfg.DialAttempts; i++ {
		if i > 0 {
			sleep := t.backoff(i - 1)
			t.logger.Warn("rabbit dial failed",
				slog.Int("attempt", i),
				slog.Duration("sleep", sleep),
				slog.Any("error", lastErr),
			)
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				cancel()
				return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}
		if lastErr = t.connect(); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.DialAttempts, lastErr)
	}

	t.wg.Add(1)
	go t.supervise()
	return t, nil
}

// connect dials and opens the consuming channel.
func (t *Transport) connect() error {
	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := t.open(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// open declares the topology on a fresh channel of conn and starts
// consuming. The server-named queue is new, so no topic is bound yet.
func (t *Transport) open(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.ch = ch
	t.queue = q.Name
	t.topics = make(map[string]struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(msgs)
	t.logger.Info("rabbit connected", slog.String("queue", q.Name), slog.String("exchange", t.cfg.Exchange))
	return nil
}

// reopen reopens the channel when only the channel died and redials when
// the connection is gone too.
func (t *Transport) reopen() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		err := t.open(conn)
		if err == nil {
			return nil
		}
		t.logger.Warn("reopen channel failed, redialing", slog.Any("error", err))
		conn.Close()
	}
	return t.connect()
}

func (t *Transport) consume(msgs <-chan amqp.Delivery) {
	defer t.wg.Done()
	for d := range msgs {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h.HandlePush(d.RoutingKey, d.Body)
		}
		_ = d.Ack(false)
	}
}

// supervise watches the connection and the channel. The broker may close
// the channel alone, for example after a failed QueueBind or a consumer
// cancel; either way the queue is gone, so the handler's subscriptions are
// restored on a new one.
func (t *Transport) supervise() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		conn, ch := t.conn, t.ch
		t.mu.Unlock()
		if ch == nil || t.ctx.Err() != nil {
			return
		}
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		var err *amqp.Error
		var ok bool
		what := "connection"
		select {
		case <-t.ctx.Done():
			return
		case err, ok = <-connClosed:
		case err, ok = <-chClosed:
			what = "channel"
		}
		if t.ctx.Err() != nil {
			return
		}
		if !ok {
			err = &amqp.Error{Reason: what + " closed"}
		}
		t.logger.Error("amqp "+what+" closed, reconnecting", slog.Any("error", err))
		t.mu.Lock()
		t.ch = nil
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h.HandleDisconnect(err)
		}

		for attempt := 0; ; attempt++ {
			rerr := t.reopen()
			if rerr == nil {
				break
			}
			wait := t.backoff(attempt)
			t.logger.Error("reconnect failed", slog.Any("error", rerr), slog.Duration("retry_in", wait))
			timer := time.NewTimer(wait)
			select {
			case <-t.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		t.mu.Lock()
		h = t.handler
		t.mu.Unlock()
		if h != nil {
			h.HandleReconnect(t.ctx)
		}
	}
}

// Bind implements oasis.Transport. The transport is already connected, so h
// is told so right away.
func (t *Transport) Bind(h oasis.TransportHandler) {
	t.mu.Lock()
	t.handler = h
	connected := t.ch != nil
	t.mu.Unlock()
	if connected {
		h.HandleReconnect(t.ctx)
	}
}

// Subscribe binds topic to the client's queue.
func (t *Transport) Subscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return oasis.ErrNotConnected
	}
	if err := t.ch.QueueBind(t.queue, topic, t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", topic, err)
	}
	t.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes the binding of topic.
func (t *Transport) Unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return oasis.ErrNotConnected
	}
	if err := t.ch.QueueUnbind(t.queue, topic, t.cfg.Exchange, nil); err != nil {
		return fmt.Errorf("unbind %s: %w", topic, err)
	}
	delete(t.topics, topic)
	return nil
}

// Topics returns the number of bound topics.
func (t *Transport) Topics() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics)
}

// Publish sends ev to topic. Servers use this to fan events out; clients only
// need it in tests and tooling.
func (t *Transport) Publish(ctx context.Context, topic string, ev oasis.PushEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return oasis.ErrNotConnected
	}
	return ch.PublishWithContext(ctx, t.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close stops reconnecting and closes the connection.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	conn := t.conn
	t.ch = nil
	t.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	t.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
