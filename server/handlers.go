package server

import (
	"context"
	"errors"
	"time"

	"chatrelay/delivery"
	"chatrelay/protocol"
	"chatrelay/relay"

	"go.uber.org/zap"
)

// Error codes carried by error frames and REST error bodies.
const (
	codeInvalidFrame      = "invalid_frame"
	codeUnknownType       = "unknown_type"
	codeMissingField      = "missing_field"
	codeFrameTooLarge     = "frame_too_large"
	codeNotAuthenticated  = "not_authenticated"
	codeEmptyContent      = "empty_content"
	codeContentTooLong    = "content_too_long"
	codeRecipientNotFound = "recipient_not_found"
	codeRecipientOffline  = "recipient_offline"
	codePersistence       = "persistence_error"
	codeTransmission      = "transmission_failed"
	codeOutOfOrderAck     = "out_of_order_ack"
	codeNotRecipient      = "not_recipient"
	codeIllegalTransition = "illegal_transition"
	codeUserIDNotAllowed  = "user_id_not_allowed"
	codeInternal          = "internal_error"
)

func errorCode(err error) string {
	var perr *relay.PersistenceError
	var terr *relay.TransmissionError
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return codeFrameTooLarge
	case errors.Is(err, protocol.ErrInvalidFrame):
		return codeInvalidFrame
	case errors.Is(err, protocol.ErrUnknownType):
		return codeUnknownType
	case errors.Is(err, protocol.ErrMissingField):
		return codeMissingField
	case errors.Is(err, relay.ErrEmptyContent):
		return codeEmptyContent
	case errors.Is(err, relay.ErrContentTooLong):
		return codeContentTooLong
	case errors.Is(err, relay.ErrRecipientOffline):
		return codeRecipientOffline
	case errors.Is(err, relay.ErrOutOfOrderAck):
		return codeOutOfOrderAck
	case errors.Is(err, delivery.ErrNotRecipient):
		return codeNotRecipient
	case errors.Is(err, relay.ErrIllegalTransition):
		return codeIllegalTransition
	case errors.As(err, &perr):
		return codePersistence
	case errors.As(err, &terr):
		return codeTransmission
	default:
		return codeInternal
	}
}

func (s *Server) handlePacket(sess *Session, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypePing:
		s.handlePing(sess)
		return
	case protocol.TypeAuth:
		s.handleAuth(sess, f)
		return
	}

	if sess.UserID() == 0 {
		s.sendError(sess, codeNotAuthenticated, "authenticate first")
		return
	}

	switch f.Type {
	case protocol.TypeChat:
		s.handleChat(sess, f)
	case protocol.TypeSignal:
		s.handleSignal(sess, f)
	case protocol.TypeAck:
		s.handleAck(sess, f)
	}
}

func (s *Server) handlePing(sess *Session) {
	if err := s.send(sess, protocol.Pong()); err != nil {
		s.log.Debug("write pong", zap.String("conn_id", sess.ID), zap.Error(err))
	}
}

func (s *Server) handleAuth(sess *Session, f *protocol.Frame) {
	ctx := context.Background()

	userID, err := s.auth.Authenticate(ctx, f.Token)
	if err != nil {
		s.log.Debug("auth rejected", zap.String("conn_id", sess.ID), zap.Error(err))
		_ = s.send(sess, protocol.AuthError("invalid token"))
		return
	}

	if current := sess.UserID(); current != 0 {
		if current != userID {
			_ = s.send(sess, protocol.AuthError(relay.ErrAlreadyAuthenticated.Error()))
			return
		}
		_ = s.send(sess, protocol.AuthOK(userID))
		return
	}

	// auth_ok goes out before registration so it precedes any flushed message.
	if err := s.send(sess, protocol.AuthOK(userID)); err != nil {
		return
	}
	first, err := s.engine.Attach(ctx, sess.ID, userID)
	if err != nil {
		s.log.Error("attach", zap.String("conn_id", sess.ID), zap.Int64("user_id", userID), zap.Error(err))
		s.sendError(sess, errorCode(err), err.Error())
		return
	}
	sess.userID.Store(userID)
	s.log.Info("client authenticated",
		zap.String("conn_id", sess.ID), zap.Int64("user_id", userID), zap.Bool("first_device", first))

	if first {
		now := time.Now().UTC()
		if err := s.db.UpdateLastOnline(ctx, userID, now); err != nil {
			s.log.Warn("update last_online", zap.Int64("user_id", userID), zap.Error(err))
		}
		s.publishPresence(ctx, userID)
	}
}

func (s *Server) handleChat(sess *Session, f *protocol.Frame) {
	ctx := context.Background()
	userID := sess.UserID()

	exists, err := s.db.UserExists(ctx, f.To)
	if err != nil {
		s.log.Error("recipient lookup", zap.Int64("to", f.To), zap.Error(err))
		s.sendError(sess, codeInternal, "internal error")
		return
	}
	if !exists {
		s.sendError(sess, codeRecipientNotFound, "recipient not found")
		return
	}

	res, err := s.engine.Relay(ctx, userID, f.To, f.Content)
	if err != nil {
		if code := errorCode(err); code == codePersistence {
			s.log.Error("relay", zap.Int64("from", userID), zap.Int64("to", f.To), zap.Error(err))
			s.sendError(sess, code, "message not stored")
		} else {
			s.sendError(sess, code, err.Error())
		}
		return
	}
	_ = s.send(sess, protocol.Sent(res.Message.ID, res.State))
}

func (s *Server) handleSignal(sess *Session, f *protocol.Frame) {
	err := s.engine.Signal(context.Background(), sess.UserID(), f.To, f.Kind, f.Data)
	if err != nil {
		s.sendError(sess, errorCode(err), err.Error())
	}
}

func (s *Server) handleAck(sess *Session, f *protocol.Frame) {
	if _, err := s.engine.Ack(context.Background(), sess.UserID(), f.MessageID); err != nil {
		s.sendError(sess, errorCode(err), err.Error())
	}
}

func (s *Server) detach(sess *Session) {
	userID, last, ok := s.engine.Detach(sess.ID)
	if !ok || !last {
		return
	}
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.db.UpdateLastOffline(ctx, userID, now); err != nil {
		s.log.Warn("update last_offline", zap.Int64("user_id", userID), zap.Error(err))
	}
	s.publishPresence(ctx, userID)
}

// publishPresence tells watchers the current presence of userID. It runs
// under the user's lane and reads the registry there, so the last publish
// always carries the final state. Repeats of the published state are dropped.
func (s *Server) publishPresence(ctx context.Context, userID int64) {
	err := s.engine.WithLane(ctx, userID, func() {
		online := s.engine.Registry().Online(userID)

		s.pmu.Lock()
		was := s.announced[userID]
		if online {
			s.announced[userID] = true
		} else {
			delete(s.announced, userID)
		}
		s.pmu.Unlock()

		if was != online {
			s.notifyContacts(ctx, userID, online)
		}
	})
	if err != nil {
		s.log.Warn("publish presence", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// notifyContacts tells every online user that lists userID as a contact that
// userID went online or offline.
func (s *Server) notifyContacts(ctx context.Context, userID int64, online bool) {
	watchers, err := s.db.Watchers(ctx, userID)
	if err != nil {
		s.log.Warn("load watchers", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	reg := s.engine.Registry()
	frame := protocol.Presence(userID, online)
	for _, w := range watchers {
		for _, connID := range reg.ConnectionsFor(w) {
			_ = reg.Guard(connID, func() error { return s.Send(connID, frame) })
		}
	}
}
