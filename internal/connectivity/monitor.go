// Package connectivity reports whether the remote store is reachable.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Listener is notified on every online/offline transition.
type Listener func(online bool)

// Monitor is the connectivity signal consumed by the sync engine.
type Monitor interface {
	IsOnline() bool
	// Subscribe registers a transition listener and returns its unsubscribe.
	Subscribe(l Listener) (unsubscribe func())
	// SetForcedOnline overrides the real signal; nil clears the override.
	SetForcedOnline(forced *bool)
}

// Prober checks a URL periodically and treats any HTTP response as proof of
// connectivity; only a transport-level failure counts as offline.
type Prober struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *zerolog.Logger

	online atomic.Bool
	forced atomic.Pointer[bool]

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewProber builds a monitor probing probeURL every interval. The monitor
// starts optimistic (online) until the first probe says otherwise.
func NewProber(probeURL string, interval time.Duration, logger *zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	p := &Prober{
		probeURL:  probeURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
		listeners: make(map[int]Listener),
	}
	p.online.Store(true)
	return p
}

// Start runs the probe loop until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("connectivity: bad probe url")
		return
	}

	resp, err := p.client.Do(req)
	reachable := err == nil
	if resp != nil {
		resp.Body.Close()
	}
	p.setOnline(reachable)
}

func (p *Prober) setOnline(online bool) {
	was := p.online.Swap(online)
	if was == online {
		return
	}

	p.logger.Info().Bool("online", online).Msg("connectivity changed")
	if p.forced.Load() == nil {
		p.notify(online)
	}
}

// IsOnline returns the effective state, honoring a forced override.
func (p *Prober) IsOnline() bool {
	if forced := p.forced.Load(); forced != nil {
		return *forced
	}
	return p.online.Load()
}

// SetForcedOnline pins the reported state for testing; nil restores the
// probed signal. Listeners see the resulting effective transitions.
func (p *Prober) SetForcedOnline(forced *bool) {
	before := p.IsOnline()
	if forced == nil {
		p.forced.Store(nil)
	} else {
		v := *forced
		p.forced.Store(&v)
	}
	if after := p.IsOnline(); after != before {
		p.notify(after)
	}
}

// Subscribe registers a listener; the returned function removes it.
func (p *Prober) Subscribe(l Listener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Prober) notify(online bool) {
	p.mu.Lock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(online)
	}
}
