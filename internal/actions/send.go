// Package actions holds the user-initiated mutations: building, signing and
// publishing group notes.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"nostr-groups/internal/nip29"
)

var ErrNoAcceptingRelay = errors.New("no relay accepted the event")

const DefaultPublishTimeout = 10 * time.Second

// Publisher sends a signed event to relays and reports which accepted it.
type Publisher interface {
	Publish(ctx context.Context, ev nostr.Event, relayURLs []string) (accepted []string, err error)
}

// Signer fills in PubKey, ID and Sig.
type Signer interface {
	Sign(*nostr.Event) error
}

type SendParams struct {
	Relay    string
	GroupID  string
	Content  string
	ParentID string

	OnSuccess func()
	OnError   func(error)
}

type Sender struct {
	publisher Publisher
	signer    Signer
	logger    *slog.Logger
	timeout   time.Duration
	now       func() nostr.Timestamp
}

func NewSender(publisher Publisher, signer Signer, logger *slog.Logger, timeout time.Duration) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Sender{
		publisher: publisher,
		signer:    signer,
		logger:    logger,
		timeout:   timeout,
		now:       nostr.Now,
	}
}

// SendGroupNote publishes a kind 1 note into a group. It returns at once;
// exactly one of p.OnSuccess or p.OnError is called when the publish
// settles. Without a publisher, a signer or a group id nothing happens and
// no callback runs.
func (s *Sender) SendGroupNote(p SendParams) {
	s.send("note", p)
}

// SendGroupChatNote is SendGroupNote for the chat timeline. Chat notes use
// the same event shape.
func (s *Sender) SendGroupChatNote(p SendParams) {
	s.send("chat note", p)
}

func (s *Sender) send(what string, p SendParams) {
	if s == nil || s.publisher == nil || s.signer == nil || p.GroupID == "" {
		return
	}

	ev := nostr.Event{
		CreatedAt: s.now(),
		Kind:      nip29.KindNote,
		Tags:      nostr.Tags{nostr.Tag{"h", p.GroupID}},
		Content:   p.Content,
	}
	if p.ParentID != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", p.ParentID})
	}

	go func() {
		err := s.publish(&ev, p.Relay)
		if err != nil {
			s.logger.Warn("publish failed", "kind", what, "group", p.GroupID, "relay", p.Relay, "error", err)
			if p.OnError != nil {
				p.OnError(err)
			}
			return
		}
		s.logger.Debug("published", "kind", what, "group", p.GroupID, "relay", p.Relay, "id", ev.ID)
		if p.OnSuccess != nil {
			p.OnSuccess()
		}
	}()
}

func (s *Sender) publish(ev *nostr.Event, relay string) error {
	if err := s.signer.Sign(ev); err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var relayURLs []string
	if relay != "" {
		relayURLs = []string{relay}
	}
	accepted, err := s.publisher.Publish(ctx, *ev, relayURLs)
	if len(accepted) > 0 {
		return nil
	}
	if err != nil {
		return errors.Join(ErrNoAcceptingRelay, err)
	}
	return ErrNoAcceptingRelay
}
