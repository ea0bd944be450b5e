// Package tracking re-reads live vehicle positions on a fixed interval while enabled.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecity-hub/ecity/domain"
)

// DefaultInterval is how often positions are re-read.
const DefaultInterval = 10 * time.Second

// FetchFunc reads the current positions. Implementations should bypass any cache.
type FetchFunc func(ctx context.Context) ([]domain.VehiclePosition, error)

// Snapshot is the result of one read.
type Snapshot struct {
	Vehicles  []domain.VehiclePosition
	FetchedAt time.Time
	Err       error
}

// Poller issues a read on every tick of Interval while its enabling condition holds.
// Disabled ticks issue nothing; polling resumes on the first tick after re-enabling.
type Poller struct {
	Interval time.Duration
	Logger   *slog.Logger

	fetch   FetchFunc
	enabled func() bool
	flag    atomic.Bool

	mu          sync.Mutex
	subscribers map[int]chan Snapshot
	nextID      int
	latest      *Snapshot
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides DefaultInterval.
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.Interval = interval
		}
	}
}

// WithEnabled sets the enabling condition, e.g. "a route is selected". It replaces SetEnabled.
func WithEnabled(enabled func() bool) Option {
	return func(p *Poller) {
		p.enabled = enabled
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.Logger = logger
		}
	}
}

// NewPoller returns an enabled poller around fetch.
func NewPoller(fetch FetchFunc, options ...Option) *Poller {
	p := &Poller{
		Interval:    DefaultInterval,
		Logger:      slog.Default(),
		fetch:       fetch,
		subscribers: make(map[int]chan Snapshot),
	}
	p.flag.Store(true)
	p.enabled = p.flag.Load
	for _, option := range options {
		option(p)
	}
	return p
}

// SetEnabled toggles the built-in enabling flag. It has no effect when WithEnabled was used.
func (p *Poller) SetEnabled(enabled bool) {
	p.flag.Store(enabled)
}

// Enabled reports the enabling condition.
func (p *Poller) Enabled() bool {
	return p.enabled()
}

// Run polls immediately if enabled, then on every tick, until ctx is done.
// A non-positive Interval falls back to DefaultInterval. It returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	if p.fetch == nil {
		return errors.New("poller has no fetch function")
	}
	defer p.closeSubscribers()

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	vehicles, err := p.fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.Logger.Warn("polling vehicle positions", "error", err)
	}
	p.publish(Snapshot{Vehicles: vehicles, FetchedAt: time.Now(), Err: err})
}

// Subscribe returns a channel receiving every snapshot and a function to stop receiving.
// Slow subscribers miss snapshots rather than blocking the poller. The channel is closed
// when Run returns or cancel is called.
func (p *Poller) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subscribers[id]; ok {
				delete(p.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Latest returns the most recent snapshot, if any.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Snapshot{}, false
	}
	return *p.latest, true
}

func (p *Poller) publish(snapshot Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = &snapshot
	for _, ch := range p.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (p *Poller) closeSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}
}
