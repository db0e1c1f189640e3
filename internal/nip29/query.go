package nip29

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// keyParams is the canonical form of a query's filter. Field order is fixed
// by the struct and zero fields are omitted, so logically equal filters
// always serialize to the same bytes.
type keyParams struct {
	Authors  []string         `json:"authors,omitempty"`
	IDs      []string         `json:"ids,omitempty"`
	ParentID string           `json:"parentId,omitempty"`
	Since    *nostr.Timestamp `json:"since,omitempty"`
	Until    *nostr.Timestamp `json:"until,omitempty"`
	Limit    int              `json:"limit"`
}

// SubscriptionKey derives the cache key for a query. Two calls with the same
// relay, group, kind and filter content return the same key; any difference
// in filter content yields a different key.
func SubscriptionKey(relay, groupID string, kind QueryKind, filter nostr.Filter) string {
	params := keyParams{
		Authors: filter.Authors,
		IDs:     filter.IDs,
		Since:   filter.Since,
		Until:   filter.Until,
		Limit:   filter.Limit,
	}
	if e := filter.Tags["e"]; len(e) > 0 {
		params.ParentID = e[0]
	}
	// a struct of strings, ints and timestamps cannot fail to marshal
	canonical, _ := json.Marshal(params)
	return fmt.Sprintf("%s-%s-%s-%s", relay, groupID, kind, canonical)
}

// NotesQuery builds the kind 1 group notes query. ok is false when the query
// is disabled: relay or group missing, or a waitFor* field still empty.
func NotesQuery(relay, groupID string, ref *Refinement) (q Query, ok bool) {
	return noteQuery(QueryNotes, relay, groupID, ref)
}

// ChatNotesQuery is NotesQuery under its own key namespace.
func ChatNotesQuery(relay, groupID string, ref *Refinement) (q Query, ok bool) {
	return noteQuery(QueryChatNotes, relay, groupID, ref)
}

func noteQuery(kind QueryKind, relay, groupID string, ref *Refinement) (Query, bool) {
	if relay == "" || groupID == "" {
		return Query{}, false
	}
	if ref == nil {
		ref = &Refinement{}
	}
	if ref.ByPubkey != nil && ref.ByPubkey.WaitForPubkey && ref.ByPubkey.Pubkey == "" {
		return Query{}, false
	}
	if ref.ByID != nil && ref.ByID.WaitForID && ref.ByID.ID == "" {
		return Query{}, false
	}
	if ref.ByParentID != nil && ref.ByParentID.WaitForParentID && ref.ByParentID.ParentID == "" {
		return Query{}, false
	}

	filter := nostr.Filter{
		Kinds: []int{KindNote},
		Tags:  nostr.TagMap{"h": []string{groupID}},
		Limit: DefaultNotesLimit,
	}
	if ref.ByPubkey != nil && ref.ByPubkey.Pubkey != "" {
		filter.Authors = []string{ref.ByPubkey.Pubkey}
	}
	if ref.ByID != nil && ref.ByID.ID != "" {
		filter.IDs = []string{ref.ByID.ID}
	}
	if ref.ByParentID != nil && ref.ByParentID.ParentID != "" {
		filter.Tags["e"] = []string{ref.ByParentID.ParentID}
	}
	if ref.Since != nil {
		since := *ref.Since
		filter.Since = &since
	}
	if ref.Until != nil {
		until := *ref.Until
		filter.Until = &until
	}
	if ref.Limit > 0 {
		filter.Limit = ref.Limit
	}

	return Query{
		Key:       SubscriptionKey(relay, groupID, kind, filter),
		Kind:      kind,
		GroupID:   groupID,
		Filters:   nostr.Filters{filter},
		RelayURLs: []string{relay},
		Limit:     filter.Limit,
	}, true
}

// MetadataQuery builds the kind 39000 query for a group's metadata event.
func MetadataQuery(relay, groupID string) (Query, bool) {
	if relay == "" || groupID == "" {
		return Query{}, false
	}

	filter := nostr.Filter{
		Kinds: []int{KindGroupMetadata},
		Tags:  nostr.TagMap{"d": []string{groupID}},
		Limit: DefaultMetadataLimit,
	}

	return Query{
		Key:       SubscriptionKey(relay, groupID, QueryMetadata, filter),
		Kind:      QueryMetadata,
		GroupID:   groupID,
		Filters:   nostr.Filters{filter},
		RelayURLs: []string{relay},
		Limit:     filter.Limit,
	}, true
}
