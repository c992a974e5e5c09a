package types

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// --- Core Domain Types ---

// UserID is the UUID of a registered user.
type UserID string

// RoomID is the UUID of a chat room. It doubles as the name of the
// room's bus queue and as the suffix of the room's message table.
type RoomID string

// ChannelID is the UUID of a channel within a room.
type ChannelID string

// ConnID uniquely identifies one websocket connection within this process.
type ConnID string

// Status is a user presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusDND     Status = "dnd"
	StatusIdle    Status = "idle"
)

// ErrInvalidStatus is returned when a status transition names an unknown state.
var ErrInvalidStatus = errors.New("invalid status")

// Valid reports whether s is one of the recognized presence states.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDND, StatusIdle:
		return true
	}
	return false
}

// TimeLayout is the wire format for message timestamps.
const TimeLayout = "2006-01-02 03:04:05 PM"

// Envelope is the authoritative message shape. It is built once at
// ingress and travels unchanged through the bus, the fan-out, the tail
// cache, and the digestion batch.
type Envelope struct {
	MID       string `json:"mid"`
	UID       string `json:"uid"`
	Username  string `json:"username"`
	RoomID    string `json:"room_id"`
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Validate ensures an envelope decoded off the bus is structurally usable.
func (e Envelope) Validate() error {
	if e.MID == "" {
		return errors.New("envelope missing mid")
	}
	if e.UID == "" {
		return errors.New("envelope missing uid")
	}
	if e.RoomID == "" {
		return errors.New("envelope missing room_id")
	}
	if e.ChannelID == "" {
		return errors.New("envelope missing channel_id")
	}
	return nil
}

// Inbound is the frame a client sends on the message socket. The server
// never trusts it for identity; uid and mid are assigned at ingress.
type Inbound struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

const midAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// midLength matches the historical wire contract; clients key
// deduplication and edits on this id.
const midLength = 8

// NewMID returns a fresh 8-character message id drawn from lowercase
// letters and digits.
func NewMID() string {
	b := make([]byte, midLength)
	for i := range b {
		b[i] = midAlphabet[rand.IntN(len(midAlphabet))]
	}
	return string(b)
}

// NormalizeTimestamp validates ts against TimeLayout and substitutes
// the current server time when the client value is absent or unparseable.
// A bad timestamp never causes a message to be dropped.
func NormalizeTimestamp(ts string, now func() time.Time) (time.Time, string) {
	if ts != "" {
		if t, err := time.Parse(TimeLayout, ts); err == nil {
			return t, ts
		}
	}
	t := now()
	return t, t.Format(TimeLayout)
}

// --- Shared Interfaces ---

// Conn is the behavior the realtime packages need from a websocket
// connection. The transport package provides the production
// implementation; tests substitute in-memory fakes.
type Conn interface {
	ID() ConnID
	SendJSON(v any) error
	Close(code int, reason string) error
}

// TokenVerifier authenticates a bearer token and yields the subject.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (UserID, error)
}
