// Package query exposes read-only views over a group's live subscription
// and its normalized records.
//
// A hook (GroupNotes, GroupChatNotes, GroupMetadata) belongs to one caller,
// typically one widget. Each Use call recomputes the subscription key; when
// it changes the hook releases the previous subscription and ensures the new
// one. onChange fires, on whichever goroutine caused the change, whenever a
// subsequent Use would return something different.
package query

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"nostr-groups/internal/nip29"
	"nostr-groups/internal/registry"
	"nostr-groups/internal/store"
)

// Client carries the shared registry and store every hook reads from.
type Client struct {
	Registry *registry.Registry
	Store    *store.Store
	Logger   *slog.Logger
}

func NewClient(reg *registry.Registry, st *store.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Registry: reg, Store: st, Logger: logger}
}

// Close tears down every subscription and empties the store.
func (c *Client) Close() {
	c.Registry.Close()
	c.Store.Reset()
}

// binding is one hook's hold on one subscription key.
type binding struct {
	key    string
	handle *registry.Handle
	ctx    context.Context
	cancel context.CancelFunc
	stops  []func()
}

func (b *binding) release() {
	for _, stop := range b.stops {
		stop()
	}
	b.cancel()
	b.handle.Release()
}

// loadMore runs one page fetch in the background.
func (b *binding) loadMore() {
	go b.handle.LoadMore(b.ctx)
}

type hook struct {
	client   *Client
	onChange func()
	current  *binding
}

// registryView is the part of a subscription's state a hook result exposes.
type registryView struct {
	loading bool
	hasMore bool
	events  int
}

// reducer writes one delivered event through the subscription's writer.
type reducer func(w *store.Writer, ev *nostr.Event)

// bind makes sure the hook holds the subscription for q, switching away from
// whatever it held before. watch installs the store selector that reports
// record changes for q.Key. It returns nil when q is disabled.
func (h *hook) bind(q nip29.Query, ok bool, reduce reducer, watch func(key string, fire func()) (stop func())) *binding {
	if !ok {
		h.unbind()
		return nil
	}
	if h.current != nil && h.current.key == q.Key {
		return h.current
	}
	h.unbind()

	// writer lives exactly as long as the registry's subscription.
	var writer atomic.Pointer[store.Writer]
	handle := h.client.Registry.Ensure(q.Key, registry.Request{
		Filters:   q.Filters,
		RelayURLs: q.RelayURLs,
		Limit:     q.Limit,
		OnOpen: func() {
			writer.Store(h.client.Store.Open(q.Key))
		},
		OnEvent: func(ev *nostr.Event) {
			if w := writer.Load(); w != nil {
				reduce(w, ev)
			}
		},
		OnTeardown: func() {
			if w := writer.Load(); w != nil {
				w.Close()
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	b := &binding{key: q.Key, handle: handle, ctx: ctx, cancel: cancel}

	if h.onChange != nil {
		b.stops = append(b.stops, watch(q.Key, h.onChange), h.watchRegistry(handle))
	}

	h.client.Logger.Debug("hook bound", "key", q.Key, "kind", q.Kind)
	h.current = b
	return b
}

// watchRegistry fires onChange when the loading flags or the size of the
// event buffer change.
func (h *hook) watchRegistry(handle *registry.Handle) func() {
	view := func() registryView {
		st := handle.State()
		return registryView{loading: st.IsLoading, hasMore: st.HasMore, events: len(st.Events)}
	}

	var (
		mu   sync.Mutex
		last = view()
	)
	return h.client.Registry.Watch(handle.Key(), func() {
		next := view()
		mu.Lock()
		if next == last {
			mu.Unlock()
			return
		}
		last = next
		mu.Unlock()
		h.onChange()
	})
}

func (h *hook) unbind() {
	if h.current == nil {
		return
	}
	h.current.release()
	h.current = nil
}

type NotesResult struct {
	Notes          []nip29.Note
	IsLoadingNotes bool
	HasMoreNotes   bool
	LoadMoreNotes  func()
	NotesEvents    []*nostr.Event
}

// GroupNotes is the hook over a group's kind 1 notes.
type GroupNotes struct {
	hook
}

// NewGroupNotes returns a hook bound to c. onChange may be nil.
func NewGroupNotes(c *Client, onChange func()) *GroupNotes {
	return &GroupNotes{hook{client: c, onChange: onChange}}
}

// Use returns the current notes for (relay, groupID, ref). With an empty
// relay or group id it returns the zero result and opens nothing.
func (g *GroupNotes) Use(relay, groupID string, ref *nip29.Refinement) NotesResult {
	q, ok := nip29.NotesQuery(relay, groupID, ref)
	b := g.bind(q, ok, noteReducer(q), watchNotes(g.client.Store))
	if b == nil {
		return NotesResult{LoadMoreNotes: func() {}}
	}
	st := b.handle.State()
	return NotesResult{
		Notes:          g.client.Store.Notes(b.key),
		IsLoadingNotes: st.IsLoading,
		HasMoreNotes:   st.HasMore,
		LoadMoreNotes:  b.loadMore,
		NotesEvents:    st.Events,
	}
}

// Close releases the subscription held by the hook.
func (g *GroupNotes) Close() { g.unbind() }

type ChatNotesResult struct {
	ChatNotes          []nip29.Note
	IsLoadingChatNotes bool
	HasMoreChatNotes   bool
	LoadMoreChatNotes  func()
	ChatNotesEvents    []*nostr.Event
}

// GroupChatNotes is GroupNotes for the chat timeline. It keeps its own
// subscriptions and records apart from GroupNotes even for equal filters.
type GroupChatNotes struct {
	hook
}

func NewGroupChatNotes(c *Client, onChange func()) *GroupChatNotes {
	return &GroupChatNotes{hook{client: c, onChange: onChange}}
}

func (g *GroupChatNotes) Use(relay, groupID string, ref *nip29.Refinement) ChatNotesResult {
	q, ok := nip29.ChatNotesQuery(relay, groupID, ref)
	b := g.bind(q, ok, noteReducer(q), watchNotes(g.client.Store))
	if b == nil {
		return ChatNotesResult{LoadMoreChatNotes: func() {}}
	}
	st := b.handle.State()
	return ChatNotesResult{
		ChatNotes:          g.client.Store.Notes(b.key),
		IsLoadingChatNotes: st.IsLoading,
		HasMoreChatNotes:   st.HasMore,
		LoadMoreChatNotes:  b.loadMore,
		ChatNotesEvents:    st.Events,
	}
}

func (g *GroupChatNotes) Close() { g.unbind() }

type MetadataResult struct {
	// Metadata is nil until the group's metadata event arrives.
	Metadata          *nip29.Metadata
	IsLoadingMetadata bool
	MetadataEvents    []*nostr.Event
}

// GroupMetadata is the hook over a group's kind 39000 metadata.
type GroupMetadata struct {
	hook
}

func NewGroupMetadata(c *Client, onChange func()) *GroupMetadata {
	return &GroupMetadata{hook{client: c, onChange: onChange}}
}

func (g *GroupMetadata) Use(relay, groupID string) MetadataResult {
	q, ok := nip29.MetadataQuery(relay, groupID)
	b := g.bind(q, ok, metadataReducer(g.client.Logger, q), watchMetadata(g.client.Store, q.GroupID))
	if b == nil {
		return MetadataResult{}
	}
	st := b.handle.State()
	res := MetadataResult{
		IsLoadingMetadata: st.IsLoading,
		MetadataEvents:    st.Events,
	}
	if md, ok := g.client.Store.Metadata(b.key, q.GroupID); ok {
		res.Metadata = &md
	}
	return res
}

func (g *GroupMetadata) Close() { g.unbind() }

func noteReducer(q nip29.Query) reducer {
	return func(w *store.Writer, ev *nostr.Event) {
		if ev.Kind != nip29.KindNote {
			return
		}
		w.AddGroupNote(q.GroupID, nip29.NormalizeNote(ev))
	}
}

func metadataReducer(logger *slog.Logger, q nip29.Query) reducer {
	return func(w *store.Writer, ev *nostr.Event) {
		if ev.Kind != nip29.KindGroupMetadata {
			return
		}
		if id := nip29.GroupID(ev); id != q.GroupID {
			logger.Debug("metadata for another group", "key", q.Key, "group", id)
			return
		}
		w.UpdateGroupMetadata(q.GroupID, nip29.NormalizeMetadata(ev))
	}
}

func watchNotes(st *store.Store) func(string, func()) func() {
	return func(key string, fire func()) func() {
		_, stop := store.Select(st, key,
			func(s *store.Store) []nip29.Note { return s.Notes(key) },
			slices.Equal[[]nip29.Note],
			func([]nip29.Note) { fire() },
		)
		return stop
	}
}

type metadataView struct {
	md nip29.Metadata
	ok bool
}

func watchMetadata(st *store.Store, groupID string) func(string, func()) func() {
	return func(key string, fire func()) func() {
		_, stop := store.Select(st, key,
			func(s *store.Store) metadataView {
				md, ok := s.Metadata(key, groupID)
				return metadataView{md: md, ok: ok}
			},
			func(a, b metadataView) bool { return a == b },
			func(metadataView) { fire() },
		)
		return stop
	}
}
