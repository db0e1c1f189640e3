package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nostr-groups/internal/nip29"
	"nostr-groups/internal/registry"
	"nostr-groups/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type subscription struct {
	filters nostr.Filters
	sink    registry.Sink
	closed  bool
}

type fakeRelays struct {
	mu    sync.Mutex
	subs  []*subscription
	pages [][]*nostr.Event
	fetch chan nostr.Filters
}

func (f *fakeRelays) OpenSubscription(_ context.Context, filters nostr.Filters, _ []string, sink registry.Sink) func() {
	sub := &subscription{filters: filters, sink: sink}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.closed = true
	}
}

func (f *fakeRelays) Fetch(_ context.Context, filters nostr.Filters, _ []string) ([]*nostr.Event, error) {
	f.mu.Lock()
	var page []*nostr.Event
	if len(f.pages) > 0 {
		page, f.pages = f.pages[0], f.pages[1:]
	}
	fetch := f.fetch
	f.mu.Unlock()
	if fetch != nil {
		fetch <- filters
	}
	return page, nil
}

func (f *fakeRelays) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeRelays) sub(i int) *subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeRelays) isClosed(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i].closed
}

func newClient(t *testing.T) (*Client, *fakeRelays) {
	t.Helper()
	relays := &fakeRelays{}
	c := NewClient(registry.New(relays), store.New(nil), nil)
	t.Cleanup(c.Close)
	return c, relays
}

func note(id, content string, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    "pk",
		Kind:      1,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      append(nostr.Tags{{"h", "group123"}}, tags...),
		Content:   content,
	}
}

func TestDisabledWithoutRelayOrGroup(t *testing.T) {
	c, relays := newClient(t)

	cases := []struct{ relay, group string }{
		{"", ""},
		{"wss://test.relay", ""},
		{"", "group123"},
	}
	for _, tc := range cases {
		notes := NewGroupNotes(c, nil)
		res := notes.Use(tc.relay, tc.group, nil)
		assert.Nil(t, res.Notes)
		assert.False(t, res.IsLoadingNotes)
		assert.False(t, res.HasMoreNotes)
		assert.Nil(t, res.NotesEvents)
		require.NotNil(t, res.LoadMoreNotes)
		res.LoadMoreNotes()

		chat := NewGroupChatNotes(c, nil).Use(tc.relay, tc.group, nil)
		assert.Nil(t, chat.ChatNotes)

		md := NewGroupMetadata(c, nil).Use(tc.relay, tc.group)
		assert.Nil(t, md.Metadata)
		assert.False(t, md.IsLoadingMetadata)
	}

	waiting := NewGroupNotes(c, nil).Use("wss://test.relay", "group123", &nip29.Refinement{
		ByPubkey: &nip29.ByPubkey{WaitForPubkey: true},
	})
	assert.Nil(t, waiting.Notes)

	assert.Zero(t, relays.count(), "no subscription may be opened")
}

func TestNotesLifecycle(t *testing.T) {
	c, relays := newClient(t)

	var changes atomic.Int32
	hook := NewGroupNotes(c, func() { changes.Add(1) })
	defer hook.Close()

	res := hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 2})
	assert.True(t, res.IsLoadingNotes)
	assert.Nil(t, res.Notes)
	require.Equal(t, 1, relays.count())

	sink := relays.sub(0).sink
	sink.OnEvent(note("a", "first", 200))
	sink.OnEvent(note("b", "reply", 210, nostr.Tag{"e", "a"}))
	sink.OnEOSE()

	res = hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 2})
	assert.Equal(t, 1, relays.count(), "same key reuses the subscription")
	assert.False(t, res.IsLoadingNotes)
	assert.True(t, res.HasMoreNotes)
	require.Len(t, res.Notes, 2)
	assert.Equal(t, "a", res.Notes[0].ID)
	assert.Equal(t, "a", res.Notes[1].ParentID)
	assert.Len(t, res.NotesEvents, 2)
	assert.Positive(t, changes.Load())
}

func TestRedeliveredEventIsStoredOnce(t *testing.T) {
	c, relays := newClient(t)
	hook := NewGroupNotes(c, nil)
	defer hook.Close()

	hook.Use("wss://test.relay", "group123", nil)
	sink := relays.sub(0).sink
	sink.OnEvent(note("dup", "original", 100))
	sink.OnEvent(note("other", "x", 101))
	sink.OnEvent(note("dup", "edited", 100))

	res := hook.Use("wss://test.relay", "group123", nil)
	require.Len(t, res.Notes, 2)
	assert.Equal(t, "dup", res.Notes[0].ID)
	assert.Equal(t, "edited", res.Notes[0].Content)
	assert.Len(t, res.NotesEvents, 2)
}

func TestChangingFilterSwitchesSubscription(t *testing.T) {
	c, relays := newClient(t)
	hook := NewGroupNotes(c, nil)

	hook.Use("wss://test.relay", "group123", nil)
	hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 20})
	require.Equal(t, 2, relays.count())
	assert.True(t, relays.isClosed(0), "previous key is released")
	assert.False(t, relays.isClosed(1))

	hook.Use("", "group123", nil)
	assert.True(t, relays.isClosed(1), "disabling releases the subscription")

	hook.Close()
	assert.Equal(t, 2, relays.count())
}

func TestReleaseEvictsRecords(t *testing.T) {
	c, relays := newClient(t)
	hook := NewGroupNotes(c, nil)

	hook.Use("wss://test.relay", "group123", nil)
	relays.sub(0).sink.OnEvent(note("a", "x", 1))
	key := hook.current.key
	require.Equal(t, 1, c.Store.Len(key))

	hook.Close()
	assert.True(t, relays.isClosed(0))
	assert.Zero(t, c.Store.Len(key))

	next := NewGroupNotes(c, nil)
	defer next.Close()
	next.Use("wss://test.relay", "group123", nil)
	relays.sub(0).sink.OnEvent(note("late", "from the old lifecycle", 2))
	relays.sub(1).sink.OnEvent(note("b", "y", 3))

	res := next.Use("wss://test.relay", "group123", nil)
	require.Len(t, res.Notes, 1)
	assert.Equal(t, "b", res.Notes[0].ID)
}

func TestFirstEventIsVisible(t *testing.T) {
	c, relays := newClient(t)
	notes := NewGroupNotes(c, nil)
	md := NewGroupMetadata(c, nil)
	defer notes.Close()
	defer md.Close()

	notes.Use("wss://test.relay", "group123", nil)
	md.Use("wss://test.relay", "group123")
	relays.sub(0).sink.OnEvent(note("a", "only", 1))
	relays.sub(1).sink.OnEvent(&nostr.Event{
		ID: "m", Kind: 39000, CreatedAt: 1,
		Tags: nostr.Tags{{"d", "group123"}, {"name", "Solo"}, {"public"}, {"open"}},
	})

	got := notes.Use("wss://test.relay", "group123", nil)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "a", got.Notes[0].ID)

	meta := md.Use("wss://test.relay", "group123")
	require.NotNil(t, meta.Metadata)
	assert.Equal(t, "Solo", meta.Metadata.Name)
}

func TestHooksShareSubscription(t *testing.T) {
	c, relays := newClient(t)
	first := NewGroupNotes(c, nil)
	second := NewGroupNotes(c, nil)

	first.Use("wss://test.relay", "group123", nil)
	second.Use("wss://test.relay", "group123", nil)
	require.Equal(t, 1, relays.count())

	relays.sub(0).sink.OnEvent(note("a", "shared", 1))
	assert.Len(t, second.Use("wss://test.relay", "group123", nil).Notes, 1)

	first.Close()
	assert.False(t, relays.isClosed(0))
	second.Close()
	assert.True(t, relays.isClosed(0))
}

func TestChatNotesAreKeptApart(t *testing.T) {
	c, relays := newClient(t)
	notes := NewGroupNotes(c, nil)
	chat := NewGroupChatNotes(c, nil)
	defer notes.Close()
	defer chat.Close()

	notes.Use("wss://test.relay", "group123", nil)
	chat.Use("wss://test.relay", "group123", nil)
	require.Equal(t, 2, relays.count())

	relays.sub(1).sink.OnEvent(note("c", "chat", 5))
	relays.sub(1).sink.OnEOSE()

	got := chat.Use("wss://test.relay", "group123", nil)
	assert.Len(t, got.ChatNotes, 1)
	assert.False(t, got.IsLoadingChatNotes)
	assert.False(t, got.HasMoreChatNotes)
	assert.Nil(t, notes.Use("wss://test.relay", "group123", nil).Notes)
}

func TestLoadMoreNotes(t *testing.T) {
	c, relays := newClient(t)
	relays.fetch = make(chan nostr.Filters, 1)
	relays.pages = [][]*nostr.Event{{note("old", "older", 50)}}

	hook := NewGroupNotes(c, nil)
	defer hook.Close()

	hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 1})
	sink := relays.sub(0).sink
	sink.OnEvent(note("new", "newer", 100))
	sink.OnEOSE()

	res := hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 1})
	require.True(t, res.HasMoreNotes)
	res.LoadMoreNotes()

	var filters nostr.Filters
	select {
	case filters = <-relays.fetch:
	case <-time.After(5 * time.Second):
		t.Fatal("no fetch")
	}
	require.NotNil(t, filters[0].Until)
	assert.Equal(t, nostr.Timestamp(100), *filters[0].Until)

	require.Eventually(t, func() bool {
		return len(hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 1}).Notes) == 2
	}, 5*time.Second, 10*time.Millisecond)

	res = hook.Use("wss://test.relay", "group123", &nip29.Refinement{Limit: 1})
	assert.Equal(t, "old", res.NotesEvents[0].ID, "older page is prepended")
	assert.True(t, res.HasMoreNotes, "a full page means there may be more")
}

func TestMetadata(t *testing.T) {
	c, relays := newClient(t)

	var changes atomic.Int32
	hook := NewGroupMetadata(c, func() { changes.Add(1) })
	defer hook.Close()

	res := hook.Use("wss://test.relay", "group123")
	assert.True(t, res.IsLoadingMetadata)
	assert.Nil(t, res.Metadata)

	sub := relays.sub(0)
	assert.Equal(t, []int{39000}, sub.filters[0].Kinds)

	sub.sink.OnEvent(&nostr.Event{
		ID: "m1", Kind: 39000, CreatedAt: 10,
		Tags: nostr.Tags{{"d", "group123"}, {"name", "Test Group"}, {"public"}, {"open"}},
	})
	sub.sink.OnEvent(&nostr.Event{
		ID: "m2", Kind: 39000, CreatedAt: 20,
		Tags: nostr.Tags{{"d", "another"}, {"name", "Wrong Group"}},
	})
	sub.sink.OnEOSE()

	res = hook.Use("wss://test.relay", "group123")
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "Test Group", res.Metadata.Name)
	assert.True(t, res.Metadata.IsPublic)
	assert.True(t, res.Metadata.IsOpen)
	assert.False(t, res.IsLoadingMetadata)
	assert.Len(t, res.MetadataEvents, 2)

	before := changes.Load()
	sub.sink.OnEvent(&nostr.Event{
		ID: "m0", Kind: 39000, CreatedAt: 5,
		Tags: nostr.Tags{{"d", "group123"}, {"name", "Stale"}},
	})
	res = hook.Use("wss://test.relay", "group123")
	assert.Equal(t, "Test Group", res.Metadata.Name)
	assert.Equal(t, before+1, changes.Load(), "only the event buffer changed")
}

func TestClientCloseResets(t *testing.T) {
	relays := &fakeRelays{}
	c := NewClient(registry.New(relays), store.New(nil), nil)
	hook := NewGroupNotes(c, nil)

	hook.Use("wss://test.relay", "group123", nil)
	relays.sub(0).sink.OnEvent(note("a", "x", 1))
	key := hook.current.key
	require.Equal(t, 1, c.Store.Len(key))

	c.Close()
	assert.True(t, relays.isClosed(0))
	assert.Zero(t, c.Store.Len(key))
	hook.Close()
}
