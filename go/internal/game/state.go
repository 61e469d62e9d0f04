package game

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Settings holds the game rules consumed by the reactor.
type Settings struct {
	// DelayBound is the exclusive upper bound, in whole seconds, of the
	// per-tick random delay. Must be at least 1.
	DelayBound int
	// ResetInterval is how long an epoch may run after its first accept.
	ResetInterval time.Duration
	// DebugQuit makes a payload containing 'x' reset the game and stop the loop.
	DebugQuit bool
}

// Stats is a point-in-time view of the shared state.
type Stats struct {
	Score           int  `json:"score"`
	MaxScore        int  `json:"max_score"`
	Connections     int  `json:"connections"`
	ResetArmed      bool `json:"reset_armed"`
	EpochsCompleted int  `json:"epochs_completed"`
	TotalTicks      int  `json:"total_ticks"`
	Violations      int  `json:"violations"`
	TimerResets     int  `json:"timer_resets"`
}

// State is the single context object shared by every connection. It is owned
// by the reactor goroutine and is not safe for concurrent use.
type State struct {
	settings Settings
	clock    Clock
	rand     RandomSource
	sink     EventSink

	score    int
	maxScore int

	resetTimer  clockwork.Timer
	connections map[*Connection]struct{}
	resetting   bool

	// stopRequested is set by a debug quit; the reactor exits after the reset.
	stopRequested bool

	epochs      int
	totalTicks  int
	violations  int
	timerResets int
}

// NewState creates the shared game state.
func NewState(settings Settings, clock Clock, rand RandomSource, sink EventSink) *State {
	if sink == nil {
		sink = NoOpSink{}
	}
	return &State{
		settings:    settings,
		clock:       clock,
		rand:        rand,
		sink:        sink,
		connections: make(map[*Connection]struct{}),
	}
}

func (s *State) Score() int    { return s.score }
func (s *State) MaxScore() int { return s.maxScore }

// ConnectionCount returns the number of live connections.
func (s *State) ConnectionCount() int { return len(s.connections) }

// ResetArmed reports whether the global reset timer is scheduled.
func (s *State) ResetArmed() bool { return s.resetTimer != nil }

// IncrementScore records one tick.
func (s *State) IncrementScore() {
	s.score++
	s.totalTicks++
	if s.score > s.maxScore {
		s.maxScore = s.score
	}
}

// ResetEpoch emits the epoch result and zeroes the score. maxScore is kept.
func (s *State) ResetEpoch(cause ResetCause, closed int) {
	s.sink.Emit(Event{
		ID:                uuid.New(),
		Type:              EventTypeEpochReset,
		Score:             s.score,
		MaxScore:          s.maxScore,
		Cause:             cause,
		ConnectionsClosed: closed,
		Timestamp:         s.clock.Now(),
	})

	log.Info().
		Int("score", s.score).
		Int("max_score", s.maxScore).
		Str("cause", string(cause)).
		Int("connections_closed", closed).
		Msg("epoch reset")

	s.score = 0
	s.epochs++
}

// ArmGlobalResetIfAbsent schedules the one-shot reset timer unless one is
// already armed. A second call never extends the running timer.
func (s *State) ArmGlobalResetIfAbsent() {
	if s.resetTimer != nil {
		return
	}
	s.resetTimer = s.clock.NewTimer(s.settings.ResetInterval)

	log.Debug().
		Dur("interval", s.settings.ResetInterval).
		Msg("armed global reset timer")
}

// DisarmGlobalReset cancels and clears the reset timer.
func (s *State) DisarmGlobalReset() {
	if s.resetTimer == nil {
		return
	}
	stopAndDrainTimer(s.resetTimer)
	s.resetTimer = nil
}

// resetC returns the armed timer's channel, or nil so a select on it blocks.
func (s *State) resetC() <-chan time.Time {
	if s.resetTimer == nil {
		return nil
	}
	return s.resetTimer.Chan()
}

// TriggerReset closes every live connection, rotates the epoch and disarms the
// reset timer. Both timer expiry and timing violations converge here.
// Calls made while a reset is already in progress are ignored.
func (s *State) TriggerReset(cause ResetCause) {
	if s.resetting {
		return
	}
	s.resetting = true
	defer func() { s.resetting = false }()

	switch cause {
	case CauseViolation:
		s.violations++
	case CauseTimer:
		s.timerResets++
	case CauseDebugQuit:
		s.stopRequested = true
	}

	victims := s.snapshotConnections()
	for _, c := range victims {
		c.destroy()
	}

	s.ResetEpoch(cause, len(victims))
	s.DisarmGlobalReset()
}

// closeAll tears down every connection without rotating the epoch.
func (s *State) closeAll() int {
	victims := s.snapshotConnections()
	for _, c := range victims {
		c.destroy()
	}
	s.DisarmGlobalReset()
	return len(victims)
}

func (s *State) snapshotConnections() []*Connection {
	victims := make([]*Connection, 0, len(s.connections))
	for c := range s.connections {
		victims = append(victims, c)
	}
	return victims
}

// Stats returns a snapshot of the counters.
func (s *State) Stats() Stats {
	return Stats{
		Score:           s.score,
		MaxScore:        s.maxScore,
		Connections:     len(s.connections),
		ResetArmed:      s.resetTimer != nil,
		EpochsCompleted: s.epochs,
		TotalTicks:      s.totalTicks,
		Violations:      s.violations,
		TimerResets:     s.timerResets,
	}
}
