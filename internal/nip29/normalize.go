package nip29

import (
	"github.com/nbd-wtf/go-nostr"
)

// findTags is the single place tags are looked up. Keys match exactly (the
// go-nostr GetFirst/GetAll helpers match on prefix, so "e" would also hit
// "emoji"). No match is always a nil slice, never an error.
func findTags(tags nostr.Tags, key string) []nostr.Tag {
	var found []nostr.Tag
	for _, tag := range tags {
		if len(tag) > 0 && tag[0] == key {
			found = append(found, tag)
		}
	}
	return found
}

func firstTagValue(tags nostr.Tags, key string) string {
	found := findTags(tags, key)
	if len(found) == 0 || len(found[0]) < 2 {
		return ""
	}
	return found[0][1]
}

func hasTag(tags nostr.Tags, key string) bool {
	return len(findTags(tags, key)) > 0
}

// NormalizeNote maps a kind 1 group event to a Note. The parent is the value
// of the first "e" tag; an empty value means no parent.
func NormalizeNote(ev *nostr.Event) Note {
	note := Note{
		ID:        ev.ID,
		Pubkey:    ev.PubKey,
		Content:   ev.Content,
		Timestamp: ev.CreatedAt,
	}
	note.ParentID = firstTagValue(ev.Tags, "e")
	return note
}

// NormalizeMetadata maps a kind 39000 event to Metadata. "public" and "open"
// are flags: their presence sets the field whatever their value.
func NormalizeMetadata(ev *nostr.Event) Metadata {
	return Metadata{
		Name:      firstTagValue(ev.Tags, "name"),
		Picture:   firstTagValue(ev.Tags, "picture"),
		About:     firstTagValue(ev.Tags, "about"),
		IsPublic:  hasTag(ev.Tags, "public"),
		IsOpen:    hasTag(ev.Tags, "open"),
		CreatedAt: ev.CreatedAt,
	}
}

// GroupID returns the group an event is scoped to: the "h" tag for group
// content, the "d" tag for relay-signed group metadata.
func GroupID(ev *nostr.Event) string {
	if ev.Kind == KindGroupMetadata {
		return firstTagValue(ev.Tags, "d")
	}
	return firstTagValue(ev.Tags, "h")
}
