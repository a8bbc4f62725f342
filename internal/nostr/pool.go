package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/klingon-exchange/tanos/pkg/logging"
)

// ErrNoRelays is returned when a pool has no relay to talk to.
var ErrNoRelays = errors.New("no relays configured")

// Pool publishes to and fetches from a set of relays, dialing each on first
// use.
type Pool struct {
	urls []string
	log  *logging.Logger

	mu     sync.Mutex
	relays map[string]*Relay
}

// NewPool creates a pool over urls.
func NewPool(urls []string) *Pool {
	return &Pool{
		urls:   append([]string(nil), urls...),
		log:    logging.GetDefault().Component("nostr"),
		relays: make(map[string]*Relay),
	}
}

func (p *Pool) relay(ctx context.Context, url string) (*Relay, error) {
	p.mu.Lock()
	r, ok := p.relays[url]
	p.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		default:
			return r, nil
		}
	}

	r, err := Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.relays[url] = r
	p.mu.Unlock()
	return r, nil
}

// Publish sends ev to every relay and returns how many accepted it. It fails
// only when none did.
func (p *Pool) Publish(ctx context.Context, ev *Event) (int, error) {
	if len(p.urls) == 0 {
		return 0, ErrNoRelays
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := p.publishOne(ctx, url, ev)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Warn("Publish failed", "relay", url, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			accepted++
		}(url)
	}
	wg.Wait()

	if accepted == 0 {
		return 0, errors.Join(errs...)
	}
	return accepted, nil
}

func (p *Pool) publishOne(ctx context.Context, url string, ev *Event) error {
	r, err := p.relay(ctx, url)
	if err != nil {
		return err
	}
	return r.Publish(ctx, ev)
}

// FetchEvent asks the relays in order for the event with id.
func (p *Pool) FetchEvent(ctx context.Context, id string) (*Event, error) {
	if len(p.urls) == 0 {
		return nil, ErrNoRelays
	}

	var errs []error
	for _, url := range p.urls {
		r, err := p.relay(ctx, url)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ev, err := r.FetchEvent(ctx, id)
		if err == nil {
			return ev, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Close closes every dialed relay.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, r := range p.relays {
		_ = r.Close()
		delete(p.relays, url)
	}
	return nil
}
