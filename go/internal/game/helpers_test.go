package game

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var epoch0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// seqRand replays a fixed sequence of draws, cycling when exhausted. A draw
// outside [0, n) panics so a misconfigured test cannot pass silently.
type seqRand struct {
	values []int
	next   int
}

func (s *seqRand) IntN(n int) int {
	v := s.values[s.next%len(s.values)]
	s.next++
	if v < 0 || v >= n {
		panic(fmt.Sprintf("seqRand: draw %d out of range [0, %d)", v, n))
	}
	return v
}

// recordingSink captures events on a channel so tests can wait for them.
type recordingSink struct {
	events chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan Event, 64)}
}

func (r *recordingSink) Emit(event Event) {
	r.events <- event
}

func (r *recordingSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (r *recordingSink) requireNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func newTestState(settings Settings, draws ...int) (*State, *clockwork.FakeClock, *recordingSink) {
	clock := clockwork.NewFakeClockAt(epoch0)
	sink := newRecordingSink()
	if len(draws) == 0 {
		draws = []int{0}
	}
	return NewState(settings, clock, &seqRand{values: draws}, sink), clock, sink
}

func defaultSettings() Settings {
	return Settings{DelayBound: 3, ResetInterval: 60 * time.Second}
}

// pipeClient is the far side of a net.Pipe transport.
type pipeClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newPipe(t *testing.T) (server net.Conn, client *pipeClient) {
	t.Helper()
	s, c := net.Pipe()
	t.Cleanup(func() {
		s.Close()
		c.Close()
	})
	return s, &pipeClient{conn: c, reader: bufio.NewReader(c)}
}

func (p *pipeClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := p.reader.ReadString('\n')
	require.NoError(t, err)
	return line
}

// requireClosed reads until the server side goes away. net.Pipe refuses new
// deadlines once either end is closed, which already proves the close.
func (p *pipeClient) requireClosed(t *testing.T) {
	t.Helper()
	err := p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if errors.Is(err, io.ErrClosedPipe) {
		return
	}
	require.NoError(t, err)
	for {
		if _, err := p.reader.ReadString('\n'); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
	}
}
