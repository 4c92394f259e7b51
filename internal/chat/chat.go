// Package chat keeps the bounded chat and panic history shown to a participant.
package chat

import (
	"sync"

	"github.com/google/uuid"

	"crowdlink/go-mesh-node/internal/model"
)

// DefaultLimit bounds each log.
const DefaultLimit = 500

// Log is a pair of bounded, append-only logs. It is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	limit  int
	chat   []model.ChatMessage
	panics []model.PanicAlert
}

// New returns a log keeping at most limit entries of each kind. Zero means DefaultLimit.
func New(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{limit: limit}
}

// AddChat appends m, assigning an id when it has none, and returns the stored message.
func (l *Log) AddChat(m model.ChatMessage) model.ChatMessage {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chat = appendBounded(l.chat, m, l.limit)
	return m
}

// AddPanic appends p, assigning an id when it has none, and returns the stored alert.
func (l *Log) AddPanic(p model.PanicAlert) model.PanicAlert {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.panics = appendBounded(l.panics, p, l.limit)
	return p
}

// Messages returns the chat log oldest first.
func (l *Log) Messages() []model.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ChatMessage(nil), l.chat...)
}

// Panics returns the panic log oldest first.
func (l *Log) Panics() []model.PanicAlert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.PanicAlert(nil), l.panics...)
}

// Reset empties both logs.
func (l *Log) Reset() {
	l.mu.Lock()
	l.chat = nil
	l.panics = nil
	l.mu.Unlock()
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}
