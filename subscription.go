package oasis

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport is a topic-based push channel. It delivers at least once, with
// no ordering across topics.
type Transport interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	// Bind installs the receiver of pushes and connection changes.
	Bind(h TransportHandler)
}

// TransportHandler receives what a Transport produces. HandleReconnect is
// called after every successful (re)connect, once the transport is ready to
// accept Subscribe calls.
type TransportHandler interface {
	HandlePush(topic string, data []byte)
	HandleDisconnect(err error)
	HandleReconnect(ctx context.Context)
}

// ConnState is a connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Scope handles
// ============================================================================

// EventSink receives the events routed to one scope.
type EventSink func(Event)

// ScopeHandle is an open scope subscription. Once closed, events still in
// flight for it are discarded.
type ScopeHandle struct {
	scope  ConversationScope
	gen    uint64
	sink   EventSink
	active atomic.Bool
}

// Scope returns the bound scope.
func (h *ScopeHandle) Scope() ConversationScope { return h.scope }

// Active reports whether the handle still receives events.
func (h *ScopeHandle) Active() bool { return h.active.Load() }

func (h *ScopeHandle) deliver(ev Event) bool {
	if !h.active.Load() {
		return false
	}
	h.sink(ev)
	return true
}

// ============================================================================
// Subscription Manager
// ============================================================================

// SubscriptionManager maps open scopes onto transport topics. Each scope
// listens on its workspace topic and its own channel or DM topic; topics
// shared by several scopes are subscribed once.
//
// Subscribe and unsubscribe failures are logged and retried on the next
// scope change or reconnect. They are never returned to the caller.
type SubscriptionManager struct {
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	// opMu serializes topic changes; mu guards routing state and is never
	// held across transport calls.
	opMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	handles     []*ScopeHandle
	refs        map[string]int
	subscribed  map[string]bool
	failedSub   map[string]struct{}
	failedUnsub map[string]struct{}
	state       ConnState
	onState     []func(ConnState)
}

// NewSubscriptionManager binds to transport. A nil transport disables push;
// the stores then only change through fetches and local writes.
func NewSubscriptionManager(transport Transport, logger *slog.Logger, metrics *Metrics) *SubscriptionManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	m := &SubscriptionManager{
		transport:   transport,
		logger:      logger,
		metrics:     metrics,
		refs:        make(map[string]int),
		subscribed:  make(map[string]bool),
		failedSub:   make(map[string]struct{}),
		failedUnsub: make(map[string]struct{}),
		state:       StateDisconnected,
	}
	if transport != nil {
		transport.Bind(m)
	}
	return m
}

// State is the push connection state. It only turns connected after all
// active scopes were resubscribed.
func (m *SubscriptionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn to run on every state transition.
func (m *SubscriptionManager) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// Active returns the open scopes in the order they were opened.
func (m *SubscriptionManager) Active() []ConversationScope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConversationScope, len(m.handles))
	for i, h := range m.handles {
		out[i] = h.scope
	}
	return out
}

// OpenScope starts routing the scope's events to sink.
func (m *SubscriptionManager) OpenScope(ctx context.Context, scope ConversationScope, sink EventSink) (*ScopeHandle, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.gen++
	h := &ScopeHandle{scope: scope, gen: m.gen, sink: sink}
	h.active.Store(true)
	m.handles = append(m.handles, h)
	var toSub []string
	for _, t := range scope.Topics() {
		m.refs[t]++
		if !m.subscribed[t] {
			toSub = append(toSub, t)
		}
	}
	m.mu.Unlock()

	m.retryFailed(ctx)
	for _, t := range toSub {
		m.subscribe(ctx, t)
	}
	m.logger.Debug("scope opened", "scope", scope.Key(), "gen", h.gen)
	return h, nil
}

// CloseScope stops routing to h and releases its topics. Events arriving for
// h afterwards are discarded.
func (m *SubscriptionManager) CloseScope(ctx context.Context, h *ScopeHandle) {
	if h == nil || !h.active.Swap(false) {
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.handles = slices.DeleteFunc(m.handles, func(x *ScopeHandle) bool { return x == h })
	var toUnsub []string
	for _, t := range h.scope.Topics() {
		m.refs[t]--
		if m.refs[t] <= 0 {
			delete(m.refs, t)
			delete(m.failedSub, t)
			if m.subscribed[t] {
				toUnsub = append(toUnsub, t)
			}
		}
	}
	m.mu.Unlock()

	m.retryFailed(ctx)
	for _, t := range toUnsub {
		m.unsubscribe(ctx, t)
	}
	m.logger.Debug("scope closed", "scope", h.scope.Key(), "gen", h.gen)
}

// Resubscribe re-opens the topics of every active scope, in the order the
// scopes were opened, then reports connected.
func (m *SubscriptionManager) Resubscribe(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.setState(StateReconnecting)

	m.mu.Lock()
	m.subscribed = make(map[string]bool)
	m.failedUnsub = make(map[string]struct{})
	m.failedSub = make(map[string]struct{})
	var topics []string
	seen := make(map[string]struct{})
	for _, h := range m.handles {
		for _, t := range h.scope.Topics() {
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				topics = append(topics, t)
			}
		}
	}
	m.mu.Unlock()

	for _, t := range topics {
		m.subscribe(ctx, t)
	}
	m.metrics.Resubscribes.Inc()
	m.logger.Info("resubscribed", "topics", len(topics))
	m.setState(StateConnected)
}

func (m *SubscriptionManager) subscribe(ctx context.Context, topic string) {
	if m.transport == nil {
		return
	}
	err := m.transport.Subscribe(ctx, topic)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failedSub[topic] = struct{}{}
		m.logger.Warn("subscribe failed", "topic", topic, "error", err)
		return
	}
	delete(m.failedSub, topic)
	m.subscribed[topic] = true
}

func (m *SubscriptionManager) unsubscribe(ctx context.Context, topic string) {
	if m.transport == nil {
		return
	}
	err := m.transport.Unsubscribe(ctx, topic)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failedUnsub[topic] = struct{}{}
		m.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		return
	}
	delete(m.failedUnsub, topic)
	delete(m.subscribed, topic)
}

// retryFailed repeats earlier failed topic changes that are still wanted.
func (m *SubscriptionManager) retryFailed(ctx context.Context) {
	m.mu.Lock()
	var sub, unsub []string
	for t := range m.failedSub {
		if m.refs[t] > 0 && !m.subscribed[t] {
			sub = append(sub, t)
		} else {
			delete(m.failedSub, t)
		}
	}
	for t := range m.failedUnsub {
		if m.refs[t] == 0 && m.subscribed[t] {
			unsub = append(unsub, t)
		} else {
			delete(m.failedUnsub, t)
		}
	}
	m.mu.Unlock()

	slices.Sort(sub)
	slices.Sort(unsub)
	for _, t := range unsub {
		m.unsubscribe(ctx, t)
	}
	for _, t := range sub {
		m.subscribe(ctx, t)
	}
}

func (m *SubscriptionManager) setState(s ConnState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	handlers := append([]func(ConnState){}, m.onState...)
	m.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() { recover() }()
			fn(s)
		}()
	}
}

// ── TransportHandler ─────────────────────────────────────

// HandlePush decodes a pushed event and routes it to every active scope
// subscribed to topic whose conversation the event names. Malformed and
// unmatched events are dropped.
func (m *SubscriptionManager) HandlePush(topic string, data []byte) {
	var wire PushEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		m.metrics.MalformedEvents.Inc()
		m.logger.Debug("dropping malformed event", "topic", topic, "error", err)
		return
	}
	ev, err := wire.Decode()
	if err != nil {
		m.metrics.MalformedEvents.Inc()
		m.logger.Debug("dropping malformed event", "topic", topic, "error", err)
		return
	}
	channelID, dmID := wire.Conversation()

	m.mu.Lock()
	var targets []*ScopeHandle
	for _, h := range m.handles {
		if h.scope.Matches(channelID, dmID) && slices.Contains(h.scope.Topics(), topic) {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()

	delivered := false
	for _, h := range targets {
		if h.deliver(ev) {
			delivered = true
		}
	}
	if !delivered {
		m.metrics.StaleEvents.Inc()
		m.logger.Debug("dropping unrouted event", "topic", topic, "type", wire.Type,
			"channel_id", channelID, "dm_id", dmID)
	}
}

// HandleDisconnect marks the push connection down.
func (m *SubscriptionManager) HandleDisconnect(err error) {
	m.logger.Warn("push transport disconnected", "error", err)
	m.setState(StateDisconnected)
}

// HandleReconnect resubscribes all active scopes.
func (m *SubscriptionManager) HandleReconnect(ctx context.Context) {
	m.Resubscribe(ctx)
}
