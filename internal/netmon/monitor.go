// Package netmon tracks connectivity to the authoritative entitlement server.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultProbeInterval is how often Probe checks the health endpoint.
const DefaultProbeInterval = 30 * time.Second

// Monitor holds the current connectivity state and fans transitions out to
// subscribers.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the connectivity state. Subscribers are notified only when it
// changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online
	log.Info().Bool("online", online).Msg("Connectivity changed")
	for _, ch := range m.subs {
		publish(ch, online)
	}
}

// Subscribe returns a channel that receives the current state immediately and
// every later transition. Slow readers only see the latest state. Call the
// returned func to unsubscribe.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- m.online
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}

// publish replaces any unread value with v.
func publish(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Probe checks url every interval until ctx is done, marking the monitor
// online on a 2xx response and offline otherwise.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	m.Set(check(ctx, client, url))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Set(check(ctx, client, url))
		}
	}
}

func check(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Invalid health probe URL")
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Health probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
