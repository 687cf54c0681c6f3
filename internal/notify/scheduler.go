// Package notify schedules reminder notifications with cancelable timers.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/metrics"
)

// Message is a reminder addressed to an account.
type Message struct {
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// Sender delivers a due message. Push delivery itself is out of scope; the
// default sender logs.
type Sender interface {
	Send(ctx context.Context, id string, msg Message) error
}

// LogSender writes due messages to the structured log.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, id string, msg Message) error {
	log.Info().
		Str("notification", id).
		Str("account", msg.AccountID).
		Str("kind", msg.Kind).
		Str("title", msg.Title).
		Msg("Reminder notification due")
	return nil
}

// Pending describes a scheduled, not yet delivered message.
type Pending struct {
	ID      string
	At      time.Time
	Message Message
}

type entry struct {
	at    time.Time
	msg   Message
	timer *time.Timer
}

// Scheduler holds one timer per notification id. Scheduling an id that is
// already pending replaces it.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	sender  Sender
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewScheduler creates a scheduler delivering through sender (LogSender when nil).
func NewScheduler(sender Sender) *Scheduler {
	if sender == nil {
		sender = LogSender{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries: make(map[string]*entry),
		sender:  sender,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule arranges for msg to be sent at at. Times in the past fire immediately.
func (s *Scheduler) Schedule(id string, at time.Time, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		log.Debug().Str("notification", id).Msg("Scheduler stopped, dropping notification")
		return
	}
	if existing, ok := s.entries[id]; ok {
		existing.timer.Stop()
	}

	e := &entry{at: at, msg: msg}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(id, e) })
	s.entries[id] = e
	metrics.GetEngineMetrics().SetScheduledNotifications(len(s.entries))
}

// Cancel removes a pending notification. Unknown ids are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.timer.Stop()
		delete(s.entries, id)
		metrics.GetEngineMetrics().SetScheduledNotifications(len(s.entries))
	}
}

// Pending returns the scheduled notifications ordered by due time.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Pending{ID: id, At: e.at, Message: e.msg})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Stop cancels all pending timers and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(id string, e *entry) {
	s.mu.Lock()
	current, ok := s.entries[id]
	if !ok || current != e || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.wg.Add(1)
	remaining := len(s.entries)
	s.mu.Unlock()

	defer s.wg.Done()
	metrics.GetEngineMetrics().SetScheduledNotifications(remaining)

	if err := s.sender.Send(s.ctx, id, e.msg); err != nil {
		log.Warn().Err(err).Str("notification", id).Str("account", e.msg.AccountID).Msg("Failed to deliver notification")
	}
}
