package oasis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

// Options configures a Sync.
type Options struct {
	User Identity

	// Cache primes newly opened scopes. Defaults to a MemoryCache.
	Cache SnapshotCache

	// Retry governs sends, edits, deletes, reactions and history loads.
	// nil means DefaultRetryPolicy.
	Retry *RetryPolicy

	Responder        AutoResponder
	ResponderTimeout time.Duration
	Greeter          Greeter

	// ReadReceiptInterval is the minimum gap between read-receipt calls of a
	// scope.
	ReadReceiptInterval time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	now func() time.Time
}

func (o *Options) defaults() {
	if o.Cache == nil {
		o.Cache = NewMemoryCache(SnapshotTTL)
	}
	if o.Retry == nil {
		p := DefaultRetryPolicy()
		o.Retry = &p
	}
	if o.ResponderTimeout == 0 {
		o.ResponderTimeout = DefaultTimeout
	}
	if o.ReadReceiptInterval == 0 {
		o.ReadReceiptInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.now == nil {
		o.now = time.Now
	}
}

// ============================================================================
// Sync
// ============================================================================

// Sync owns the push subscriptions and the open sessions of one user.
type Sync struct {
	api     API
	subs    *SubscriptionManager
	opts    Options
	metrics *Metrics
	greeted *greetRegistry

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSync wires api and transport together. transport may be nil, in which
// case sessions only change through fetches and local writes.
func NewSync(api API, transport Transport, opts Options) *Sync {
	opts.defaults()
	metrics := NewMetrics(opts.Registerer)
	return &Sync{
		api:      api,
		subs:     NewSubscriptionManager(transport, opts.Logger, metrics),
		opts:     opts,
		metrics:  metrics,
		greeted:  newGreetRegistry(),
		sessions: make(map[string]*Session),
	}
}

// Subscriptions exposes the subscription manager, mostly for its State.
func (s *Sync) Subscriptions() *SubscriptionManager { return s.subs }

// Open opens scope: the store is painted from the cache, the scope's topics
// are subscribed, and the newest page is fetched. If that fetch fails the
// session is still returned, showing the cached placeholder, together with
// the error; call Reload to retry.
func (s *Sync) Open(ctx context.Context, scope ConversationScope) (*Session, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if sess, ok := s.sessions[scope.Key()]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	sess := s.newSession(scope)
	s.sessions[scope.Key()] = sess
	s.mu.Unlock()

	if snap, err := s.opts.Cache.Read(ctx, scope); err != nil {
		s.opts.Logger.Warn("cache read failed", "scope", scope.Key(), "error", err)
	} else if snap != nil {
		sess.store.Prime(snap.Messages)
	}

	handle, err := s.subs.OpenScope(ctx, scope, sess.deliver)
	if err != nil {
		sess.Close()
		return nil, err
	}
	sess.mu.Lock()
	sess.handle = handle
	closed := sess.closed
	sess.mu.Unlock()
	if closed {
		s.subs.CloseScope(ctx, handle)
		return nil, ErrScopeClosed
	}

	if _, err := sess.Reload(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

// Switch makes scope the only open conversation. The new scope is opened
// before the others are closed so topics they share stay subscribed.
func (s *Sync) Switch(ctx context.Context, scope ConversationScope) (*Session, error) {
	sess, err := s.Open(ctx, scope)
	if sess == nil {
		return nil, err
	}

	s.mu.Lock()
	var stale []*Session
	for key, other := range s.sessions {
		if key != scope.Key() {
			stale = append(stale, other)
		}
	}
	s.mu.Unlock()

	for _, other := range stale {
		other.Close()
	}
	return sess, err
}

// Session returns the open session of scope, if any.
func (s *Sync) Session(scope ConversationScope) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[scope.Key()]
	return sess, ok
}

// Close closes every open session.
func (s *Sync) Close() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		sess.Close()
	}
}

func (s *Sync) newSession(scope ConversationScope) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := s.opts.Logger.With("scope", scope.Key())
	store := NewMessageStore(scope)

	var receipts ReadReceiptSender = s.api
	limiter := rate.NewLimiter(rate.Every(s.opts.ReadReceiptInterval), 1)

	return &Session{
		sync:   s,
		scope:  scope,
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		agg:    NewAggregator(store, receipts, s.opts.User.UserID, limiter, logger),
		pipeline: &Pipeline{
			ctx:              ctx,
			api:              s.api,
			store:            store,
			user:             s.opts.User,
			retry:            *s.opts.Retry,
			responder:        s.opts.Responder,
			responderTimeout: s.opts.ResponderTimeout,
			logger:           logger,
			metrics:          s.metrics,
			now:              s.opts.now,
		},
		history: &HistoryLoader{
			api:     s.api,
			store:   store,
			retry:   *s.opts.Retry,
			cache:   s.opts.Cache,
			greeter: s.opts.Greeter,
			greeted: s.greeted,
			logger:  logger,
			metrics: s.metrics,
		},
		thread: &ThreadResolver{
			api:    s.api,
			store:  store,
			logger: logger,
		},
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is one open conversation: its store and the components writing
// into it. It is discarded as a whole on Close.
type Session struct {
	sync     *Sync
	scope    ConversationScope
	ctx      context.Context
	cancel   context.CancelFunc
	store    *MessageStore
	agg      *Aggregator
	pipeline *Pipeline
	history  *HistoryLoader
	thread   *ThreadResolver

	mu     sync.Mutex
	handle *ScopeHandle
	closed bool
}

func (s *Session) Scope() ConversationScope { return s.scope }

// Store is the session's message store.
func (s *Session) Store() *MessageStore { return s.store }

// Snapshot is the current timeline.
func (s *Session) Snapshot() []Message { return s.store.Snapshot() }

// OnChange registers fn to run whenever the timeline changes.
func (s *Session) OnChange(fn func()) { s.store.OnChange(fn) }

// deliver routes a pushed event to the component that owns it.
func (s *Session) deliver(ev Event) {
	var applied bool
	switch ev.(type) {
	case ReactionAdded, ReactionRemoved:
		applied = s.agg.ApplyReaction(ev)
	default:
		applied = s.store.ApplyEvent(ev)
	}
	if !applied {
		s.sync.metrics.DuplicateEvents.Inc()
	}
}

func (s *Session) Send(ctx context.Context, content, parentMessageID string) (Message, error) {
	return s.pipeline.Send(ctx, content, parentMessageID)
}

func (s *Session) Edit(ctx context.Context, id, content string) (Message, error) {
	return s.pipeline.Edit(ctx, id, content)
}

func (s *Session) Delete(ctx context.Context, id string) error {
	return s.pipeline.Delete(ctx, id)
}

func (s *Session) AddReaction(ctx context.Context, id, emoji string) error {
	return s.pipeline.AddReaction(ctx, id, emoji)
}

func (s *Session) RemoveReaction(ctx context.Context, id, emoji string) error {
	return s.pipeline.RemoveReaction(ctx, id, emoji)
}

// Reload fetches the newest page again, replacing the timeline.
func (s *Session) Reload(ctx context.Context) ([]Message, error) {
	ctx, cancel := s.pipeline.bind(ctx)
	defer cancel()
	return s.history.LoadInitial(ctx)
}

// LoadMore backfills the next older page.
func (s *Session) LoadMore(ctx context.Context) ([]Message, error) {
	ctx, cancel := s.pipeline.bind(ctx)
	defer cancel()
	return s.history.LoadMore(ctx)
}

// HasMore reports whether LoadMore can return anything.
func (s *Session) HasMore() bool { return s.history.HasMore() }

// LoadThread returns the replies of parentID.
func (s *Session) LoadThread(ctx context.Context, parentID string) ([]Message, error) {
	ctx, cancel := s.pipeline.bind(ctx)
	defer cancel()
	return s.thread.LoadThread(ctx, parentID)
}

// MarkVisible reports the local user's reads of the visible messages.
func (s *Session) MarkVisible(ctx context.Context, messageIDs []string) error {
	ctx, cancel := s.pipeline.bind(ctx)
	defer cancel()
	return s.agg.MarkVisible(ctx, messageIDs)
}

// ApplyReadReceipt records that readerID has seen messageIDs.
func (s *Session) ApplyReadReceipt(messageIDs []string, readerID string) int {
	return s.agg.ApplyReadReceipt(messageIDs, readerID)
}

// Close tears the scope down: in-flight retries are cancelled, the scope's
// topics are released, and the store is discarded. It is safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.handle
	s.mu.Unlock()

	s.cancel()
	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		s.sync.subs.CloseScope(ctx, handle)
		cancel()
	}
	s.store.Close()

	s.sync.mu.Lock()
	if s.sync.sessions[s.scope.Key()] == s {
		delete(s.sync.sessions, s.scope.Key())
	}
	s.sync.mu.Unlock()
}
