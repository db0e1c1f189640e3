package nip29

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeNote(t *testing.T) {
	tests := []struct {
		name string
		ev   nostr.Event
		want Note
	}{
		{
			name: "reply",
			ev: nostr.Event{
				ID: "note1", PubKey: "pub1", Content: "test content 1", CreatedAt: 1234567890,
				Tags: nostr.Tags{{"h", "group123"}, {"e", "parent1"}, {"e", "parent2"}},
			},
			want: Note{ID: "note1", Pubkey: "pub1", Content: "test content 1", Timestamp: 1234567890, ParentID: "parent1"},
		},
		{
			name: "no e tags",
			ev: nostr.Event{
				ID: "note2", PubKey: "pub2", Content: "test content 2", CreatedAt: 1234567891,
				Tags: nostr.Tags{{"h", "group123"}},
			},
			want: Note{ID: "note2", Pubkey: "pub2", Content: "test content 2", Timestamp: 1234567891},
		},
		{
			name: "nil tags and no timestamp",
			ev:   nostr.Event{ID: "note3"},
			want: Note{ID: "note3"},
		},
		{
			name: "valueless e tag is not a parent",
			ev:   nostr.Event{ID: "note4", Tags: nostr.Tags{{"e"}, {"e", ""}}},
			want: Note{ID: "note4"},
		},
		{
			name: "only the first e tag counts",
			ev:   nostr.Event{ID: "note6", Tags: nostr.Tags{{"e", ""}, {"e", "parent2"}}},
			want: Note{ID: "note6"},
		},
		{
			name: "emoji tag is not an e tag",
			ev:   nostr.Event{ID: "note5", Tags: nostr.Tags{{"emoji", "smile", "https://x/y.png"}}},
			want: Note{ID: "note5"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got := NormalizeNote(&testCase.ev)
			assert.Equal(t, testCase.want, got)
			assert.Equal(t, testCase.want.ParentID != "", got.IsReply())
		})
	}
}

func TestNormalizeMetadata(t *testing.T) {
	tests := []struct {
		name string
		tags nostr.Tags
		want Metadata
	}{
		{
			name: "public and open with any value",
			tags: nostr.Tags{{"d", "g"}, {"name", "Group"}, {"picture", "https://p"}, {"about", "hi"}, {"public", "no"}, {"open"}},
			want: Metadata{Name: "Group", Picture: "https://p", About: "hi", IsPublic: true, IsOpen: true, CreatedAt: 10},
		},
		{
			name: "private closed",
			tags: nostr.Tags{{"d", "g"}, {"name", "Group"}, {"private"}, {"closed"}},
			want: Metadata{Name: "Group", CreatedAt: 10},
		},
		{
			name: "first name wins",
			tags: nostr.Tags{{"name", "first"}, {"name", "second"}},
			want: Metadata{Name: "first", CreatedAt: 10},
		},
		{
			name: "no tags",
			want: Metadata{CreatedAt: 10},
		},
		{
			name: "prefix lookalikes ignored",
			tags: nostr.Tags{{"names", "x"}, {"publicity"}, {"opener"}},
			want: Metadata{CreatedAt: 10},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			ev := nostr.Event{Kind: KindGroupMetadata, CreatedAt: 10, Tags: testCase.tags}
			assert.Equal(t, testCase.want, NormalizeMetadata(&ev))
		})
	}
}

func TestGroupID(t *testing.T) {
	note := nostr.Event{Kind: KindNote, Tags: nostr.Tags{{"h", "g1"}}}
	md := nostr.Event{Kind: KindGroupMetadata, Tags: nostr.Tags{{"d", "g2"}, {"h", "ignored"}}}
	bare := nostr.Event{Kind: KindNote}

	assert.Equal(t, "g1", GroupID(&note))
	assert.Equal(t, "g2", GroupID(&md))
	assert.Equal(t, "", GroupID(&bare))
}
