package game

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of game event
type EventType string

const (
	EventTypeTick       EventType = "Tick"
	EventTypeEpochReset EventType = "EpochReset"
)

// ResetCause records what rotated an epoch.
type ResetCause string

const (
	CauseViolation ResetCause = "violation"
	CauseTimer     ResetCause = "timer"
	CauseDebugQuit ResetCause = "debug_quit"
)

// Event is emitted on every tick and every epoch reset.
type Event struct {
	ID                uuid.UUID  `json:"id"`
	Type              EventType  `json:"type"`
	Score             int        `json:"score"`
	MaxScore          int        `json:"max_score"`
	Cause             ResetCause `json:"cause,omitempty"`
	ConnectionID      string     `json:"connection_id,omitempty"`
	ConnectionsClosed int        `json:"connections_closed,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// EventSink receives game events. Emit is called on the reactor goroutine
// and must not block.
type EventSink interface {
	Emit(event Event)
}

// StdoutSink writes one "<score> / <maxScore>" line per epoch reset.
type StdoutSink struct {
	out io.Writer
}

func NewStdoutSink(out io.Writer) *StdoutSink {
	return &StdoutSink{out: out}
}

func (s *StdoutSink) Emit(event Event) {
	if event.Type != EventTypeEpochReset {
		return
	}
	if _, err := fmt.Fprintf(s.out, "%d / %d\n", event.Score, event.MaxScore); err != nil {
		log.Error().Err(err).Msg("failed to write epoch result")
	}
}

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(event Event) {
	for _, sink := range m {
		sink.Emit(event)
	}
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Emit(Event) {}
