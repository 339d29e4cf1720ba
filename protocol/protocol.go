package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrMissingField  = errors.New("missing required field")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Client -> server frame types.
const (
	TypeAuth   = "auth"
	TypeChat   = "chat"
	TypeSignal = "signal"
	TypeAck    = "ack"
	TypePing   = "ping"
)

// Server -> client frame types. TypeChat and TypeSignal are also relayed
// outward.
const (
	TypeAuthOK    = "auth_ok"
	TypeAuthError = "auth_error"
	TypeSent      = "sent"
	TypeReceipt   = "receipt"
	TypePresence  = "presence"
	TypeError     = "error"
	TypePong      = "pong"
	TypeBye       = "bye"
)

// Frame is the JSON envelope exchanged over a socket. Only the fields relevant
// to a given type are set.
type Frame struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	To        int64           `json:"to,omitempty"`
	From      int64           `json:"from,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Content   string          `json:"content,omitempty"`
	MessageID int64           `json:"messageId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Decode parses and validates one inbound frame. maxSize <= 0 disables the
// size check.
func Decode(data []byte, maxSize int) (*Frame, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, ErrFrameTooLarge
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Frame) validate() error {
	switch f.Type {
	case TypeAuth:
		if f.Token == "" {
			return fmt.Errorf("%w: token", ErrMissingField)
		}
	case TypeChat:
		if f.To <= 0 {
			return fmt.Errorf("%w: to", ErrMissingField)
		}
	case TypeSignal:
		if f.To <= 0 {
			return fmt.Errorf("%w: to", ErrMissingField)
		}
		if f.Kind == "" {
			return fmt.Errorf("%w: kind", ErrMissingField)
		}
		if len(f.Data) > 0 && !json.Valid(f.Data) {
			return fmt.Errorf("%w: data", ErrInvalidFrame)
		}
	case TypeAck:
		if f.MessageID <= 0 {
			return fmt.Errorf("%w: messageId", ErrMissingField)
		}
	case TypePing:
	case "":
		return fmt.Errorf("%w: type", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// Encode renders f for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func AuthOK(userID int64) *Frame {
	return &Frame{Type: TypeAuthOK, UserID: userID}
}

func AuthError(reason string) *Frame {
	return &Frame{Type: TypeAuthError, Error: reason}
}

// Chat is the frame a recipient receives for a stored message.
func Chat(m models.Message) *Frame {
	created := m.CreatedAt.UTC()
	return &Frame{
		Type:      TypeChat,
		From:      m.SenderID,
		To:        m.ReceiverID,
		Content:   m.Content,
		MessageID: m.ID,
		CreatedAt: &created,
	}
}

// Sent answers the sender of a chat frame.
func Sent(messageID int64, state models.DeliveryState) *Frame {
	return &Frame{Type: TypeSent, MessageID: messageID, Status: string(state)}
}

// Receipt tells the sender a message moved to delivered or read.
func Receipt(messageID int64, state models.DeliveryState) *Frame {
	return &Frame{Type: TypeReceipt, MessageID: messageID, Status: string(state)}
}

func Signal(from int64, kind string, data json.RawMessage) *Frame {
	return &Frame{Type: TypeSignal, From: from, Kind: kind, Data: data}
}

func Presence(userID int64, online bool) *Frame {
	status := "offline"
	if online {
		status = "online"
	}
	return &Frame{Type: TypePresence, From: userID, Status: status}
}

func Error(code, description string) *Frame {
	return &Frame{Type: TypeError, Code: code, Error: description}
}

func Pong() *Frame {
	return &Frame{Type: TypePong}
}

func Bye(reason string) *Frame {
	return &Frame{Type: TypeBye, Reason: reason}
}
