// Package relay adapts go-nostr relay connections to the subscription
// registry and the publish path.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nostr-groups/internal/registry"
)

var ErrNoRelays = errors.New("no relays given")

// Pool keeps one connection per relay URL and multiplexes subscriptions
// over it.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	relays     *xsync.MapOf[string, *nostr.Relay]
	connecting singleflight.Group
	streams    sync.WaitGroup
}

func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		relays: xsync.NewMapOf[*nostr.Relay](),
	}
}

func (p *Pool) ensureRelay(url string) (*nostr.Relay, error) {
	url = nostr.NormalizeURL(url)
	if relay, ok := p.relays.Load(url); ok {
		return relay, nil
	}

	v, err, _ := p.connecting.Do(url, func() (any, error) {
		if relay, ok := p.relays.Load(url); ok {
			return relay, nil
		}
		p.logger.Debug("connecting to relay", "relay", url)
		relay, err := nostr.RelayConnect(p.ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", url, err)
		}
		p.relays.Store(url, relay)
		return relay, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*nostr.Relay), nil
}

// forget drops a relay whose connection failed so the next call dials again.
func (p *Pool) forget(url string, relay *nostr.Relay) {
	url = nostr.NormalizeURL(url)
	if current, ok := p.relays.Load(url); ok && current == relay {
		p.relays.Delete(url)
		relay.Close()
	}
}

// OpenSubscription subscribes to filters on every relay in relayURLs. It
// returns at once; connecting and streaming happen on background
// goroutines. sink.OnEOSE fires once every relay has finished sending
// stored events or failed.
func (p *Pool) OpenSubscription(ctx context.Context, filters nostr.Filters, relayURLs []string, sink registry.Sink) func() {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)

	var (
		pending atomic.Int32
		once    sync.Once
	)
	pending.Store(int32(len(relayURLs)))
	eose := func() {
		if pending.Add(-1) <= 0 && sink.OnEOSE != nil {
			once.Do(sink.OnEOSE)
		}
	}
	if len(relayURLs) == 0 && sink.OnEOSE != nil {
		once.Do(sink.OnEOSE)
	}

	for _, url := range relayURLs {
		url := url
		p.streams.Add(1)
		go func() {
			defer p.streams.Done()
			p.stream(ctx, url, filters, sink, eose)
		}()
	}

	return func() {
		stop()
		cancel()
	}
}

func (p *Pool) stream(ctx context.Context, url string, filters nostr.Filters, sink registry.Sink, eose func()) {
	relay, err := p.ensureRelay(url)
	if err != nil {
		p.logger.Warn("subscription could not connect", "relay", url, "error", err)
		eose()
		return
	}

	sub, err := relay.Subscribe(ctx, filters)
	if err != nil {
		p.logger.Warn("subscribe failed", "relay", url, "error", err)
		p.forget(url, relay)
		eose()
		return
	}
	defer sub.Unsub()

	stored := sub.EndOfStoredEvents
	for {
		select {
		case <-ctx.Done():
			if stored != nil {
				eose()
			}
			return
		case ev, ok := <-sub.Events:
			if !ok {
				if stored != nil {
					eose()
				}
				return
			}
			if sink.OnEvent != nil {
				sink.OnEvent(ev)
			}
		case <-stored:
			stored = nil
			eose()
		}
	}
}

// Fetch runs a one-shot query on every relay and returns the union of what
// they stored, de-duplicated by id. It fails only if every relay failed.
func (p *Pool) Fetch(ctx context.Context, filters nostr.Filters, relayURLs []string) ([]*nostr.Event, error) {
	if len(relayURLs) == 0 {
		return nil, ErrNoRelays
	}

	var (
		mu     sync.Mutex
		seen   = make(map[string]bool)
		events []*nostr.Event
		errs   []error
		g      errgroup.Group
	)
	for _, url := range relayURLs {
		url := url
		g.Go(func() error {
			got, err := p.fetchOne(ctx, url, filters)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("fetch from %s: %w", url, err))
				return nil
			}
			for _, ev := range got {
				if seen[ev.ID] {
					continue
				}
				seen[ev.ID] = true
				events = append(events, ev)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(relayURLs) {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		p.logger.Debug("partial fetch failure", "error", err)
	}
	return events, nil
}

func (p *Pool) fetchOne(ctx context.Context, url string, filters nostr.Filters) ([]*nostr.Event, error) {
	relay, err := p.ensureRelay(url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := relay.Subscribe(ctx, filters)
	if err != nil {
		p.forget(url, relay)
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsub()

	var events []*nostr.Event
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			events = append(events, ev)
		case <-sub.EndOfStoredEvents:
			return events, nil
		}
	}
}

// Publish sends ev to every relay in relayURLs and returns the URLs that
// accepted it. err joins the reasons of the relays that did not.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event, relayURLs []string) ([]string, error) {
	if len(relayURLs) == 0 {
		return nil, ErrNoRelays
	}

	var (
		mu       sync.Mutex
		accepted []string
		errs     []error
		g        errgroup.Group
	)
	for _, url := range relayURLs {
		url := url
		g.Go(func() error {
			err := p.publishOne(ctx, url, ev)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			accepted = append(accepted, url)
			return nil
		})
	}
	_ = g.Wait()

	return accepted, errors.Join(errs...)
}

func (p *Pool) publishOne(ctx context.Context, url string, ev nostr.Event) error {
	relay, err := p.ensureRelay(url)
	if err != nil {
		return err
	}

	status, err := relay.Publish(ctx, ev)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", url, err)
	}
	if status != nostr.PublishStatusSucceeded {
		return fmt.Errorf("publish to %s: relay did not accept event %s", url, ev.ID)
	}
	p.logger.Debug("event accepted", "relay", url, "id", ev.ID)
	return nil
}

// Close stops every subscription and disconnects from all relays.
func (p *Pool) Close() {
	p.cancel()
	p.streams.Wait()
	p.relays.Range(func(url string, relay *nostr.Relay) bool {
		if err := relay.Close(); err != nil {
			p.logger.Debug("closing relay", "relay", url, "error", err)
		}
		p.relays.Delete(url)
		return true
	})
}
