package models

import "time"

type User struct {
	ID          int64     `json:"id"`
	Phone       string    `json:"phone"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	LastOnline  time.Time `json:"last_online"`
	LastOffline time.Time `json:"last_offline"`
}

type Contact struct {
	UserID int64  `json:"id"`
	Phone  string `json:"phone"`
	Name   string `json:"name"`
	Alias  string `json:"alias,omitempty"`
	Online bool   `json:"online"`
}

type Message struct {
	ID         int64         `json:"id"`
	SenderID   int64         `json:"sender_id"`
	ReceiverID int64         `json:"receiver_id"`
	Content    string        `json:"content"`
	Status     DeliveryState `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

type Call struct {
	ID        int64      `json:"id"`
	CallerID  int64      `json:"caller_id"`
	CalleeID  int64      `json:"callee_id"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// DeliveryState is the lifecycle position of a chat message.
type DeliveryState string

const (
	StateQueued    DeliveryState = "queued"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s DeliveryState) Terminal() bool {
	return s == StateRead || s == StateFailed
}

// The messages.status column predates delivery tracking and stores "sent" for
// messages that are persisted but not yet delivered.
const columnSent = "sent"

// Column returns the value stored in messages.status.
func (s DeliveryState) Column() string {
	if s == StateQueued {
		return columnSent
	}
	return string(s)
}

// StateFromColumn maps a messages.status value back to a DeliveryState.
// Unknown values are treated as queued.
func StateFromColumn(v string) DeliveryState {
	switch DeliveryState(v) {
	case StateDelivered, StateRead, StateFailed:
		return DeliveryState(v)
	default:
		return StateQueued
	}
}
