// Package relay routes chat messages, signaling frames and read acks between
// users. A chat message is persisted before anything is sent; a recipient
// without a live connection gets it on the next connect.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/delivery"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/registry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store is the persistence the engine needs.
type Store interface {
	SaveMessage(ctx context.Context, senderID, receiverID int64, content string) (models.Message, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkRead(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	FetchUndelivered(ctx context.Context, userID int64) ([]models.Message, error)
	GetMessage(ctx context.Context, id int64) (models.Message, error)
}

// Transport writes frames to live connections. Send must return an error
// wrapping ErrUnrecoverable when the frame can never be sent.
type Transport interface {
	Send(connID string, f *protocol.Frame) error
	Close(connID string) error
}

// Result describes the outcome of a relay once the message was persisted.
type Result struct {
	Message models.Message
	State   models.DeliveryState
	// Reached is the number of connections the message was written to.
	Reached int
	// TransmitErr aggregates per-connection *TransmissionError values. It is
	// informational: the message is safely persisted either way.
	TransmitErr error
}

type Engine struct {
	registry  *registry.Registry
	tracker   *delivery.Tracker
	store     Store
	transport Transport
	log       *zap.Logger

	maxContent int
	lanes      *lanes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(reg *registry.Registry, tracker *delivery.Tracker, store Store, log *zap.Logger, maxContent int) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:   reg,
		tracker:    tracker,
		store:      store,
		log:        log.Named("relay"),
		maxContent: maxContent,
		lanes:      newLanes(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetTransport installs the transport. It must be called before the first
// Attach; the transport usually holds the engine itself.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
}

func (e *Engine) Registry() *registry.Registry { return e.registry }

// Relay persists a chat message from sender to receiver and writes it to
// every live connection of receiver.
func (e *Engine) Relay(ctx context.Context, senderID, receiverID int64, content string) (Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		metrics.MessagesRelayedTotal.WithLabelValues("empty").Inc()
		return Result{}, ErrEmptyContent
	}
	if e.maxContent > 0 && len(content) > e.maxContent {
		metrics.MessagesRelayedTotal.WithLabelValues("too_long").Inc()
		return Result{}, ErrContentTooLong
	}

	msg, err := e.store.SaveMessage(ctx, senderID, receiverID, content)
	if err != nil {
		metrics.MessagesRelayedTotal.WithLabelValues("persistence_error").Inc()
		return Result{}, &PersistenceError{Op: "save message", Err: err}
	}
	e.tracker.OnPersisted(msg)

	release, err := e.lanes.acquire(ctx, receiverID)
	if err != nil {
		// Persisted but not sent: the next flush delivers it.
		e.log.Debug("relay cancelled before transmit",
			zap.Int64("message_id", msg.ID), zap.Error(err))
		metrics.MessagesRelayedTotal.WithLabelValues(string(models.StateQueued)).Inc()
		return Result{Message: msg, State: models.StateQueued}, nil
	}
	res := e.deliver(ctx, msg)
	release()

	metrics.MessagesRelayedTotal.WithLabelValues(string(res.State)).Inc()
	if res.TransmitErr != nil {
		e.log.Warn("partial transmission",
			zap.Int64("message_id", msg.ID),
			zap.Int64("receiver_id", receiverID),
			zap.Int("reached", res.Reached),
			zap.Error(res.TransmitErr))
	}
	return res, nil
}

// deliver transmits msg to its receiver. The caller holds the receiver's lane.
func (e *Engine) deliver(ctx context.Context, msg models.Message) Result {
	res := Result{Message: msg, State: models.StateQueued}

	if entry := e.track(ctx, msg); entry.State != models.StateQueued {
		// Already handled, e.g. by a flush that ran before this relay got the lane.
		res.State = entry.State
		res.Message.Status = entry.State
		return res
	}

	conns := e.registry.ConnectionsFor(msg.ReceiverID)
	if len(conns) == 0 {
		return res
	}

	frame := protocol.Chat(msg)
	res.Reached, res.TransmitErr = e.transmit(conns, frame)

	switch {
	case res.Reached > 0:
		changed, err := e.tracker.OnRelayed(msg.ID)
		if errors.Is(err, delivery.ErrUnknownMessage) {
			e.tracker.OnPersisted(msg)
			changed, err = e.tracker.OnRelayed(msg.ID)
		}
		if err != nil {
			e.log.Error("delivered transition rejected", zap.Int64("message_id", msg.ID), zap.Error(err))
			break
		}
		res.State = models.StateDelivered
		if changed {
			if err := e.store.MarkDelivered(ctx, msg.ID); err != nil {
				e.log.Error("persist delivered", zap.Int64("message_id", msg.ID), zap.Error(err))
			}
			e.notify(msg.SenderID, protocol.Receipt(msg.ID, models.StateDelivered))
		}

	case errors.Is(res.TransmitErr, ErrUnrecoverable):
		changed, err := e.tracker.OnSendFailure(msg.ID)
		if errors.Is(err, delivery.ErrUnknownMessage) {
			e.tracker.OnPersisted(msg)
			changed, err = e.tracker.OnSendFailure(msg.ID)
		}
		if err != nil {
			e.log.Error("failed transition rejected", zap.Int64("message_id", msg.ID), zap.Error(err))
			break
		}
		res.State = models.StateFailed
		if changed {
			if err := e.store.MarkFailed(ctx, msg.ID); err != nil {
				e.log.Error("persist failed", zap.Int64("message_id", msg.ID), zap.Error(err))
			}
			e.notify(msg.SenderID, protocol.Receipt(msg.ID, models.StateFailed))
		}
	}

	res.Message.Status = res.State
	return res
}

// track returns the tracked state of msg, reloading it from the store when the
// tracker has evicted it.
func (e *Engine) track(ctx context.Context, msg models.Message) delivery.Entry {
	if entry, ok := e.tracker.Lookup(msg.ID); ok {
		return entry
	}
	if stored, err := e.store.GetMessage(ctx, msg.ID); err == nil {
		msg = stored
	}
	e.tracker.Hydrate(msg)
	state := msg.Status
	if state == "" {
		state = models.StateQueued
	}
	return delivery.Entry{ID: msg.ID, SenderID: msg.SenderID, ReceiverID: msg.ReceiverID, State: state}
}

// transmit writes frame to each connection and returns how many succeeded.
func (e *Engine) transmit(conns []string, frame *protocol.Frame) (int, error) {
	var (
		reached int
		errs    error
	)
	for _, connID := range conns {
		err := e.registry.Guard(connID, func() error {
			return e.transport.Send(connID, frame)
		})
		if err != nil {
			errs = multierr.Append(errs, &TransmissionError{ConnID: connID, Err: err})
			continue
		}
		reached++
	}
	return reached, errs
}

// notify is best effort; a sender that is offline learns the state from
// history.
func (e *Engine) notify(userID int64, frame *protocol.Frame) {
	conns := e.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		return
	}
	if _, err := e.transmit(conns, frame); err != nil {
		e.log.Debug("notify", zap.Int64("user_id", userID), zap.String("type", frame.Type), zap.Error(err))
	}
}

// Flush relays every queued message of userID in send order. It stops early
// when the user goes offline or a message could not be written anywhere;
// what is left stays queued for the next connect.
func (e *Engine) Flush(ctx context.Context, userID int64) (int, error) {
	release, err := e.lanes.acquire(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer release()
	return e.flush(ctx, userID)
}

func (e *Engine) flush(ctx context.Context, userID int64) (int, error) {
	start := time.Now()
	defer func() { metrics.FlushDurationSeconds.Observe(time.Since(start).Seconds()) }()

	msgs, err := e.store.FetchUndelivered(ctx, userID)
	if err != nil {
		return 0, &PersistenceError{Op: "fetch undelivered", Err: err}
	}

	flushed := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		if !e.registry.Online(userID) {
			e.log.Debug("flush aborted, user offline",
				zap.Int64("user_id", userID), zap.Int("remaining", len(msgs)-flushed))
			return flushed, nil
		}

		e.tracker.OnPersisted(m)
		if entry, ok := e.tracker.Lookup(m.ID); ok && entry.State != models.StateQueued {
			e.reconcile(ctx, entry)
			continue
		}

		res := e.deliver(ctx, m)
		switch res.State {
		case models.StateDelivered:
			flushed++
			metrics.MessagesFlushedTotal.Inc()
		case models.StateQueued:
			e.log.Debug("flush stopped, message not written",
				zap.Int64("user_id", userID), zap.Int64("message_id", m.ID), zap.Error(res.TransmitErr))
			return flushed, nil
		}
	}
	return flushed, nil
}

// reconcile re-persists a state the store missed earlier. The store only
// moves rows forward, so repeating a write is harmless.
func (e *Engine) reconcile(ctx context.Context, entry delivery.Entry) {
	var err error
	switch entry.State {
	case models.StateDelivered:
		err = e.store.MarkDelivered(ctx, entry.ID)
	case models.StateRead:
		if err = e.store.MarkDelivered(ctx, entry.ID); err == nil {
			err = e.store.MarkRead(ctx, entry.ID)
		}
	case models.StateFailed:
		err = e.store.MarkFailed(ctx, entry.ID)
	}
	if err != nil {
		e.log.Error("reconcile state", zap.Int64("message_id", entry.ID), zap.Error(err))
	}
}

// Signal forwards an ephemeral call-setup frame. It is never persisted.
func (e *Engine) Signal(ctx context.Context, from, to int64, kind string, data json.RawMessage) error {
	conns := e.registry.ConnectionsFor(to)
	if len(conns) == 0 {
		metrics.SignalsRelayedTotal.WithLabelValues("offline").Inc()
		return ErrRecipientOffline
	}

	reached, err := e.transmit(conns, protocol.Signal(from, kind, data))
	if reached == 0 {
		metrics.SignalsRelayedTotal.WithLabelValues("failed").Inc()
		return err
	}
	if err != nil {
		e.log.Debug("partial signal transmission", zap.Int64("to", to), zap.Error(err))
	}
	metrics.SignalsRelayedTotal.WithLabelValues("relayed").Inc()
	return nil
}

// Ack marks a delivered message read on behalf of its recipient and tells the
// sender. Messages the tracker does not hold, such as those delivered before a
// restart, are loaded from the store.
func (e *Engine) Ack(ctx context.Context, userID, messageID int64) (delivery.Entry, error) {
	if _, ok := e.tracker.Lookup(messageID); !ok {
		m, err := e.store.GetMessage(ctx, messageID)
		if err == nil {
			if m.ReceiverID != userID {
				metrics.AcksTotal.WithLabelValues("rejected").Inc()
				return delivery.Entry{}, fmt.Errorf("%w: message %d", delivery.ErrNotRecipient, messageID)
			}
			e.tracker.Hydrate(m)
		}
	}

	entry, changed, err := e.tracker.OnAcked(messageID, userID)
	if err != nil {
		metrics.AcksTotal.WithLabelValues("rejected").Inc()
		return entry, err
	}
	if !changed {
		metrics.AcksTotal.WithLabelValues("duplicate").Inc()
		return entry, nil
	}

	metrics.AcksTotal.WithLabelValues("read").Inc()
	if err := e.store.MarkRead(ctx, messageID); err != nil {
		e.log.Error("persist read", zap.Int64("message_id", messageID), zap.Error(err))
	}
	e.notify(entry.SenderID, protocol.Receipt(messageID, models.StateRead))
	return entry, nil
}

// WithLane runs fn while holding userID's lane, after any flush or relay to
// that user already in progress.
func (e *Engine) WithLane(ctx context.Context, userID int64, fn func()) error {
	release, err := e.lanes.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()
	fn()
	return nil
}

// Attach registers an authenticated connection and flushes the user's queue
// in the background. The lane is taken before registration so no live relay
// can overtake the queued messages.
func (e *Engine) Attach(ctx context.Context, connID string, userID int64) (first bool, err error) {
	release, err := e.lanes.acquire(ctx, userID)
	if err != nil {
		return false, err
	}
	first, err = e.registry.Register(connID, userID)
	if err != nil {
		release()
		return false, err
	}
	e.updateGauge()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		n, err := e.flush(e.ctx, userID)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("flush", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
		if n > 0 {
			e.log.Info("flushed queued messages", zap.Int64("user_id", userID), zap.Int("count", n))
		}
	}()
	return first, nil
}

// Detach unregisters connID. last reports whether the user went offline.
func (e *Engine) Detach(connID string) (userID int64, last bool, ok bool) {
	userID, last, ok = e.registry.Unregister(connID)
	if ok {
		e.updateGauge()
	}
	return userID, last, ok
}

func (e *Engine) updateGauge() {
	conns, _ := e.registry.Stats()
	metrics.ActiveConnections.Set(float64(conns))
}

type Stats struct {
	Connections int
	Users       int
	InFlight    int
	Terminal    int
}

func (e *Engine) Stats() Stats {
	var s Stats
	s.Connections, s.Users = e.registry.Stats()
	s.InFlight, s.Terminal = e.tracker.Len()
	return s
}

// Close stops background flushes and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}
