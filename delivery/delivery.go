// Package delivery implements the per-message delivery state machine:
//
//	queued -> delivered -> read
//	queued -> failed
//
// Transitions only move forward. Every event reports whether it changed the
// state so callers can persist each change exactly once.
package delivery

import (
	"errors"
	"fmt"
	"sync"

	"chatrelay/models"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrIllegalTransition = errors.New("illegal delivery transition")
	ErrOutOfOrderAck     = errors.New("ack for message that was not delivered")
	ErrNotRecipient      = errors.New("ack from user that is not the recipient")
	ErrUnknownMessage    = errors.New("message not tracked")
)

// Entry is a snapshot of one tracked message.
type Entry struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	State      models.DeliveryState
}

// Tracker holds the state of recently seen messages. In-flight entries
// (queued, delivered) and terminal entries (read, failed) live in two bounded
// LRUs. The store stays authoritative: an evicted message is hydrated again
// from it on the next event that needs it.
type Tracker struct {
	mu   sync.Mutex
	live *lru.Cache[int64, Entry]
	done *lru.Cache[int64, Entry]
}

// New returns a Tracker remembering up to inFlightSize queued or delivered
// messages and terminalSize read or failed ones.
func New(inFlightSize, terminalSize int) (*Tracker, error) {
	live, err := lru.New[int64, Entry](max(inFlightSize, 1))
	if err != nil {
		return nil, err
	}
	done, err := lru.New[int64, Entry](max(terminalSize, 1))
	if err != nil {
		return nil, err
	}
	return &Tracker{live: live, done: done}, nil
}

// OnPersisted starts tracking m in the queued state. A message that is
// already tracked keeps its current state.
func (t *Tracker) OnPersisted(m models.Message) bool {
	return t.Hydrate(models.Message{ID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID, Status: models.StateQueued})
}

// Hydrate starts tracking m in the state it was loaded with. It is used for
// messages persisted before this process started.
func (t *Tracker) Hydrate(m models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.knownLocked(m.ID) {
		return false
	}
	e := Entry{ID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID, State: m.Status}
	if e.State == "" {
		e.State = models.StateQueued
	}
	if e.State.Terminal() {
		t.done.Add(e.ID, e)
	} else {
		t.live.Add(e.ID, e)
	}
	return true
}

// OnRelayed moves a message from queued to delivered.
func (t *Tracker) OnRelayed(id int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.live.Get(id); ok {
		switch e.State {
		case models.StateQueued:
			e.State = models.StateDelivered
			t.live.Add(id, e)
			return true, nil
		case models.StateDelivered:
			return false, nil
		}
	}
	if e, ok := t.done.Peek(id); ok {
		return false, illegal(id, "relayed", e.State)
	}
	return false, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
}

// OnAcked moves a delivered message to read. by must be the recipient.
// Acks for unknown or still queued messages fail with ErrOutOfOrderAck and
// change nothing; a failed message is never resurrected.
func (t *Tracker) OnAcked(id, by int64) (Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.live.Peek(id); ok {
		if e.ReceiverID != by {
			return e, false, fmt.Errorf("%w: message %d", ErrNotRecipient, id)
		}
		if e.State != models.StateDelivered {
			return e, false, fmt.Errorf("%w: message %d is %s", ErrOutOfOrderAck, id, e.State)
		}
		e.State = models.StateRead
		t.live.Remove(id)
		t.done.Add(id, e)
		return e, true, nil
	}

	if e, ok := t.done.Get(id); ok {
		if e.ReceiverID != by {
			return e, false, fmt.Errorf("%w: message %d", ErrNotRecipient, id)
		}
		if e.State == models.StateRead {
			return e, false, nil
		}
		return e, false, illegal(id, "acked", e.State)
	}

	return Entry{}, false, fmt.Errorf("%w: message %d unknown", ErrOutOfOrderAck, id)
}

// OnSendFailure moves a queued message to failed. Failed is terminal; a resend
// is a new message.
func (t *Tracker) OnSendFailure(id int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.live.Peek(id); ok {
		if e.State != models.StateQueued {
			return false, illegal(id, "send failure", e.State)
		}
		e.State = models.StateFailed
		t.live.Remove(id)
		t.done.Add(id, e)
		return true, nil
	}
	if e, ok := t.done.Peek(id); ok {
		if e.State == models.StateFailed {
			return false, nil
		}
		return false, illegal(id, "send failure", e.State)
	}
	return false, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
}

// Lookup returns the tracked entry for id.
func (t *Tracker) Lookup(id int64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.live.Peek(id); ok {
		return e, true
	}
	return t.done.Peek(id)
}

// Len returns the number of in-flight and remembered terminal messages.
func (t *Tracker) Len() (inFlight, terminal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live.Len(), t.done.Len()
}

func (t *Tracker) knownLocked(id int64) bool {
	return t.live.Contains(id) || t.done.Contains(id)
}

func illegal(id int64, event string, from models.DeliveryState) error {
	return fmt.Errorf("%w: %s on message %d in state %s", ErrIllegalTransition, event, id, from)
}
