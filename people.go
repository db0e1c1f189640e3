package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
	"golang.org/x/sync/singleflight"
)

// fetcher is the one-shot query side of the relay pool.
type fetcher interface {
	Fetch(ctx context.Context, filters nostr.Filters, relayURLs []string) ([]*nostr.Event, error)
}

// people caches profile metadata of note authors.
type people struct {
	pool     fetcher
	relays   []string
	logger   *slog.Logger
	profiles *xsync.MapOf[string, *nostr.ProfileMetadata]
	loading  singleflight.Group
}

func newPeople(pool fetcher, relays []string, logger *slog.Logger) *people {
	return &people{
		pool:     pool,
		relays:   relays,
		logger:   logger,
		profiles: xsync.NewMapOf[*nostr.ProfileMetadata](),
	}
}

// displayName returns the best known name for pubkey, or a short pubkey.
func (p *people) displayName(pubkey string) string {
	if profile, ok := p.profiles.Load(pubkey); ok {
		if profile.DisplayName != "" {
			return profile.DisplayName
		}
		if profile.Name != "" {
			return profile.Name
		}
	}
	if len(pubkey) > 8 {
		return pubkey[len(pubkey)-8:]
	}
	return pubkey
}

// ensure loads pubkey's profile in the background and calls loaded if this
// call stored it for the first time.
func (p *people) ensure(pubkey string, loaded func()) {
	if _, ok := p.profiles.Load(pubkey); ok {
		return
	}
	go func() {
		v, _, _ := p.loading.Do(pubkey, func() (any, error) {
			if _, ok := p.profiles.Load(pubkey); ok {
				return false, nil
			}
			profile, err := p.lookup(pubkey)
			if err != nil {
				p.logger.Debug("profile lookup failed", "pubkey", pubkey, "error", err)
				// cached empty so the author is not looked up again
				profile = &nostr.ProfileMetadata{}
			}
			_, existed := p.profiles.LoadOrStore(pubkey, profile)
			return !existed, nil
		})
		if stored, _ := v.(bool); stored && loaded != nil {
			loaded()
		}
	}()
}

// lookup asks the configured relays for the author's profile and relay list,
// then falls back to the relays the author advertises.
func (p *people) lookup(pubkey string) (*nostr.ProfileMetadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := p.pool.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{kindProfile, kindRelayList},
		Authors: []string{pubkey},
	}}, p.relays)
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", pubkey, err)
	}
	if profile := newestProfile(events); profile != nil {
		return profile, nil
	}

	advertised := advertisedRelays(newest(events, kindRelayList))
	if len(advertised) == 0 {
		return nil, fmt.Errorf("no profile or relay list for %s", pubkey)
	}
	events, err = p.pool.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{kindProfile},
		Authors: []string{pubkey},
	}}, advertised)
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s from its relays: %w", pubkey, err)
	}
	if profile := newestProfile(events); profile != nil {
		return profile, nil
	}
	return nil, fmt.Errorf("no profile for %s on %d advertised relays", pubkey, len(advertised))
}

const (
	kindProfile   = 0
	kindRelayList = 10002
)

func newest(events []*nostr.Event, kind int) *nostr.Event {
	var out *nostr.Event
	for _, ev := range events {
		if ev.Kind == kind && (out == nil || ev.CreatedAt > out.CreatedAt) {
			out = ev
		}
	}
	return out
}

func newestProfile(events []*nostr.Event) *nostr.ProfileMetadata {
	ev := newest(events, kindProfile)
	if ev == nil {
		return nil
	}
	profile, err := nostr.ParseMetadata(*ev)
	if err != nil {
		return nil
	}
	return profile
}

// advertisedRelays reads the "r" tags of a relay list event.
func advertisedRelays(ev *nostr.Event) []string {
	if ev == nil {
		return nil
	}
	var urls []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "r" {
			urls = append(urls, tag[1])
		}
	}
	return urls
}
