// Package registry owns the live relay subscriptions behind group queries.
//
// One subscription exists per subscription key no matter how many hooks
// ask for it; it is reference counted and torn down when the last holder
// releases it. Each subscription buffers the raw events it has seen and
// tracks the pagination cursor used by LoadMore.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Sink receives what a relay subscription produces. OnEOSE is called once,
// when every relay has sent its stored events or could not be reached.
type Sink struct {
	OnEvent func(*nostr.Event)
	OnEOSE  func()
}

// RelayClient is the wire-level collaborator. OpenSubscription must not
// block on network I/O; events flow into sink until unsubscribe is called
// or ctx is done.
type RelayClient interface {
	OpenSubscription(ctx context.Context, filters nostr.Filters, relayURLs []string, sink Sink) (unsubscribe func())
	Fetch(ctx context.Context, filters nostr.Filters, relayURLs []string) ([]*nostr.Event, error)
}

type Request struct {
	Filters   nostr.Filters
	RelayURLs []string
	// Limit is the page size used for has-more accounting. Zero means the
	// limit of the first filter.
	Limit int
	// OnEvent is called for every delivered event, after the event buffer
	// has been updated and outside any registry lock.
	OnEvent func(*nostr.Event)
	// OnOpen runs once when the subscription is created, before the relay
	// client is asked for it and so before any event is delivered.
	OnOpen func()
	// OnTeardown runs once after the subscription is torn down.
	OnTeardown func()
}

func (req Request) pageSize() int {
	if req.Limit > 0 {
		return req.Limit
	}
	if len(req.Filters) > 0 {
		return req.Filters[0].Limit
	}
	return 0
}

type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseLoading
	PhaseActive
	PhaseLoadingMore
	PhaseTornDown
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseActive:
		return "active"
	case PhaseLoadingMore:
		return "loading-more"
	case PhaseTornDown:
		return "torn-down"
	default:
		return "absent"
	}
}

// State is a snapshot of one subscription.
type State struct {
	Phase     Phase
	Events    []*nostr.Event
	IsLoading bool
	HasMore   bool
	Cursor    *nostr.Timestamp
	RefCount  int
}

type subscription struct {
	key string
	req Request

	phase    Phase
	events   []*nostr.Event
	index    map[string]int
	hasMore  bool
	cursor   *nostr.Timestamp
	received int
	refs     int

	unsubscribe func()
	linger      *time.Timer
}

func (sub *subscription) snapshot() State {
	st := State{
		Phase:     sub.phase,
		Events:    append([]*nostr.Event(nil), sub.events...),
		IsLoading: sub.phase == PhaseLoading || sub.phase == PhaseLoadingMore,
		HasMore:   sub.hasMore,
		RefCount:  sub.refs,
	}
	if sub.cursor != nil {
		cursor := *sub.cursor
		st.Cursor = &cursor
	}
	return st
}

// merge records ev in the buffer. A known id is replaced in place; a new one
// is appended. It reports whether the id was new.
func (sub *subscription) merge(ev *nostr.Event) bool {
	if i, ok := sub.index[ev.ID]; ok {
		sub.events[i] = ev
		sub.advanceCursor(ev.CreatedAt)
		return false
	}
	sub.index[ev.ID] = len(sub.events)
	sub.events = append(sub.events, ev)
	sub.advanceCursor(ev.CreatedAt)
	return true
}

// prepend puts an older page in front of the buffer, oldest first, without
// moving anything already buffered.
func (sub *subscription) prepend(page []*nostr.Event) {
	sort.SliceStable(page, func(i, j int) bool {
		return page[i].CreatedAt < page[j].CreatedAt
	})

	older := make([]*nostr.Event, 0, len(page))
	seen := make(map[string]bool, len(page))
	for _, ev := range page {
		sub.advanceCursor(ev.CreatedAt)
		if i, ok := sub.index[ev.ID]; ok {
			sub.events[i] = ev
			continue
		}
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		older = append(older, ev)
	}
	if len(older) == 0 {
		return
	}

	sub.events = append(older, sub.events...)
	for i, ev := range sub.events {
		sub.index[ev.ID] = i
	}
}

func (sub *subscription) advanceCursor(at nostr.Timestamp) {
	if sub.cursor == nil || at < *sub.cursor {
		sub.cursor = &at
	}
}

type Registry struct {
	client       RelayClient
	logger       *slog.Logger
	linger       time.Duration
	fetchTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	subs      map[string]*subscription
	nextWatch uint64
	watchers  map[string]map[uint64]func()
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLinger keeps an unreferenced subscription open for d before tearing
// it down, so a hook that re-mounts quickly gets its buffered events back.
func WithLinger(d time.Duration) Option {
	return func(r *Registry) { r.linger = d }
}

// WithFetchTimeout bounds every LoadMore fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Registry) { r.fetchTimeout = d }
}

func New(client RelayClient, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		client:   client,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
		watchers: make(map[string]map[uint64]func()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure returns a handle on the subscription for key, opening it through
// the relay client if it does not exist yet. An existing subscription is
// shared: req is ignored and no relay request is issued.
func (r *Registry) Ensure(key string, req Request) *Handle {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &Handle{r: r, sub: &subscription{key: key, phase: PhaseTornDown}}
	}

	if sub, ok := r.subs[key]; ok {
		sub.refs++
		if sub.linger != nil {
			sub.linger.Stop()
			sub.linger = nil
		}
		refs := sub.refs
		r.mu.Unlock()

		r.logger.Debug("subscription reused", "key", key, "refs", refs)
		r.notify(key)
		return &Handle{r: r, sub: sub}
	}

	sub := &subscription{
		key:     key,
		req:     req,
		phase:   PhaseLoading,
		index:   make(map[string]int),
		hasMore: true,
		refs:    1,
	}
	r.subs[key] = sub
	r.mu.Unlock()

	if req.OnOpen != nil {
		req.OnOpen()
	}
	r.logger.Debug("subscription opening", "key", key, "relays", req.RelayURLs)
	unsubscribe := r.client.OpenSubscription(r.ctx, req.Filters, req.RelayURLs, Sink{
		OnEvent: func(ev *nostr.Event) { r.deliver(sub, ev) },
		OnEOSE:  func() { r.endOfStored(sub) },
	})

	r.mu.Lock()
	if sub.phase == PhaseTornDown {
		// released while the relay client was opening it
		r.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	} else {
		sub.unsubscribe = unsubscribe
		r.mu.Unlock()
	}

	r.notify(key)
	return &Handle{r: r, sub: sub}
}

func (r *Registry) deliver(sub *subscription, ev *nostr.Event) {
	if ev == nil {
		return
	}

	r.mu.Lock()
	if sub.phase == PhaseTornDown {
		r.mu.Unlock()
		return
	}
	if sub.merge(ev) && sub.phase == PhaseLoading {
		sub.received++
	}
	onEvent := sub.req.OnEvent
	r.mu.Unlock()

	if onEvent != nil {
		onEvent(ev)
	}
	r.notify(sub.key)
}

func (r *Registry) endOfStored(sub *subscription) {
	r.mu.Lock()
	if sub.phase != PhaseLoading {
		r.mu.Unlock()
		return
	}
	sub.phase = PhaseActive
	limit := sub.req.pageSize()
	received := sub.received
	sub.hasMore = limit > 0 && received >= limit
	r.mu.Unlock()

	r.logger.Debug("subscription caught up", "key", sub.key, "received", received, "limit", limit)
	r.notify(sub.key)
}

// LoadMore fetches the page of events older than the oldest one seen and
// prepends it to the buffer. It is a no-op, returning false, while the
// subscription is loading, has nothing more, or has seen no event yet.
// A failed fetch is logged and leaves HasMore unchanged.
func (r *Registry) LoadMore(ctx context.Context, key string) bool {
	r.mu.Lock()
	sub, ok := r.subs[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.loadMore(ctx, sub)
}

func (r *Registry) loadMore(ctx context.Context, sub *subscription) bool {
	r.mu.Lock()
	if sub.phase != PhaseActive || !sub.hasMore || sub.cursor == nil {
		r.mu.Unlock()
		return false
	}
	sub.phase = PhaseLoadingMore
	until := *sub.cursor
	filters := make(nostr.Filters, len(sub.req.Filters))
	for i, filter := range sub.req.Filters {
		filter.Since = nil
		filter.Until = &until
		filters[i] = filter
	}
	relayURLs := sub.req.RelayURLs
	limit := sub.req.pageSize()
	r.mu.Unlock()
	r.notify(sub.key)

	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}
	page, err := r.client.Fetch(ctx, filters, relayURLs)

	r.mu.Lock()
	if sub.phase == PhaseTornDown {
		r.mu.Unlock()
		return true
	}
	sub.phase = PhaseActive
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("load more failed", "key", sub.key, "until", until, "error", err)
		r.notify(sub.key)
		return true
	}
	sub.hasMore = limit > 0 && len(page) == limit
	sub.prepend(page)
	onEvent := sub.req.OnEvent
	r.mu.Unlock()

	r.logger.Debug("loaded older events", "key", sub.key, "until", until, "count", len(page))
	if onEvent != nil {
		for _, ev := range page {
			onEvent(ev)
		}
	}
	r.notify(sub.key)
	return true
}

func (r *Registry) release(sub *subscription) {
	r.mu.Lock()
	if sub.phase == PhaseTornDown || r.subs[sub.key] != sub {
		r.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		r.mu.Unlock()
		r.notify(sub.key)
		return
	}
	if r.linger > 0 {
		sub.linger = time.AfterFunc(r.linger, func() { r.expire(sub) })
		r.mu.Unlock()
		r.notify(sub.key)
		return
	}
	unsubscribe := r.teardownLocked(sub)
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.notify(sub.key)
}

func (r *Registry) expire(sub *subscription) {
	r.mu.Lock()
	if sub.phase == PhaseTornDown || sub.refs > 0 || r.subs[sub.key] != sub {
		r.mu.Unlock()
		return
	}
	unsubscribe := r.teardownLocked(sub)
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.notify(sub.key)
}

func (r *Registry) teardownLocked(sub *subscription) func() {
	sub.phase = PhaseTornDown
	if sub.linger != nil {
		sub.linger.Stop()
		sub.linger = nil
	}
	delete(r.subs, sub.key)
	r.logger.Debug("subscription torn down", "key", sub.key, "events", len(sub.events))

	unsubscribe, onTeardown := sub.unsubscribe, sub.req.OnTeardown
	sub.unsubscribe = nil
	if onTeardown == nil {
		return unsubscribe
	}
	return func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		onTeardown()
	}
}

// State returns the snapshot of the live subscription for key.
func (r *Registry) State(key string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return State{Phase: PhaseAbsent}, false
	}
	return sub.snapshot(), true
}

// Watch calls fn after every state change of the subscription for key,
// including its creation and teardown, until cancel is called.
func (r *Registry) Watch(key string, fn func()) (cancel func()) {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	if r.watchers[key] == nil {
		r.watchers[key] = make(map[uint64]func())
	}
	r.watchers[key][id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.watchers[key], id)
			if len(r.watchers[key]) == 0 {
				delete(r.watchers, key)
			}
		})
	}
}

func (r *Registry) notify(key string) {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.watchers[key]))
	for _, fn := range r.watchers[key] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close tears down every subscription. Ensure after Close returns inert
// handles.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var (
		keys         []string
		unsubscribes []func()
	)
	for _, sub := range r.subs {
		keys = append(keys, sub.key)
		if unsubscribe := r.teardownLocked(sub); unsubscribe != nil {
			unsubscribes = append(unsubscribes, unsubscribe)
		}
	}
	r.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	r.cancel()
	for _, key := range keys {
		r.notify(key)
	}
}

// Handle is one holder's reference on a subscription.
type Handle struct {
	r    *Registry
	sub  *subscription
	once sync.Once
}

func (h *Handle) Key() string { return h.sub.key }

func (h *Handle) State() State {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.sub.snapshot()
}

func (h *Handle) LoadMore(ctx context.Context) bool {
	return h.r.loadMore(ctx, h.sub)
}

// Release drops this holder's reference. Only the first call counts.
func (h *Handle) Release() {
	h.once.Do(func() { h.r.release(h.sub) })
}
