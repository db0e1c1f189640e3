package nip29

import (
	"github.com/nbd-wtf/go-nostr"
)

const (
	KindNote          = 1
	KindGroupMetadata = 39000

	DefaultNotesLimit    = 10
	DefaultMetadataLimit = 1
)

// QueryKind namespaces subscription keys so that two hooks asking for the
// same filter with different projections never share a cache entry.
type QueryKind string

const (
	QueryNotes     QueryKind = "notes"
	QueryChatNotes QueryKind = "chatNotes"
	QueryMetadata  QueryKind = "metadata"
)

// Record is a normalized entity held by the store. The set of records is
// closed: Note and Metadata.
type Record interface {
	record()
}

type Note struct {
	ID        string          `json:"id"`
	Pubkey    string          `json:"pubkey"`
	Content   string          `json:"content"`
	Timestamp nostr.Timestamp `json:"timestamp"`
	// ParentID is empty when the note is not a reply.
	ParentID string `json:"parentId,omitempty"`
}

func (Note) record() {}

func (n Note) IsReply() bool { return n.ParentID != "" }

type Metadata struct {
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
	About    string `json:"about,omitempty"`
	IsPublic bool   `json:"isPublic"`
	IsOpen   bool   `json:"isOpen"`

	// CreatedAt of the kind 39000 event the fields were read from.
	CreatedAt nostr.Timestamp `json:"createdAt"`
}

func (Metadata) record() {}

// Refinement narrows a group query. A nil *Refinement and a zero Refinement
// describe the same query.
type Refinement struct {
	ByPubkey   *ByPubkey        `json:"byPubkey,omitempty"`
	ByID       *ByID            `json:"byId,omitempty"`
	ByParentID *ByParentID      `json:"byParentId,omitempty"`
	Since      *nostr.Timestamp `json:"since,omitempty"`
	Until      *nostr.Timestamp `json:"until,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

type ByPubkey struct {
	Pubkey        string `json:"pubkey,omitempty"`
	WaitForPubkey bool   `json:"waitForPubkey,omitempty"`
}

type ByID struct {
	ID        string `json:"id,omitempty"`
	WaitForID bool   `json:"waitForId,omitempty"`
}

type ByParentID struct {
	ParentID        string `json:"parentId,omitempty"`
	WaitForParentID bool   `json:"waitForParentId,omitempty"`
}

// Query is everything needed to open a live subscription for one hook.
type Query struct {
	Key       string
	Kind      QueryKind
	GroupID   string
	Filters   nostr.Filters
	RelayURLs []string
	Limit     int
}
