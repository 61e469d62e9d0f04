package game

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// sendBufferSize is how many status lines may queue for a slow reader
	// before the connection is dropped.
	sendBufferSize = 16
	writeTimeout   = 10 * time.Second
)

// Connection is one accepted client. Every method except writePump runs on
// the reactor goroutine.
type Connection struct {
	ID        string
	transport net.Conn
	send      chan []byte
	deadline  time.Time
	owner     *State
	closed    bool

	ConnectedAt time.Time
}

// NewConnection binds transport to owner, registers it, starts its writer and
// sends the first status line.
func NewConnection(owner *State, transport net.Conn) *Connection {
	c := &Connection{
		ID:          uuid.New().String(),
		transport:   transport,
		send:        make(chan []byte, sendBufferSize),
		owner:       owner,
		ConnectedAt: owner.clock.Now(),
	}

	owner.connections[c] = struct{}{}
	go c.writePump()

	log.Info().
		Str("connection_id", c.ID).
		Str("remote_addr", remoteAddr(transport)).
		Int("total_connections", len(owner.connections)).
		Msg("connection established")

	c.RearmDeadline()
	return c
}

// Deadline returns the instant before which any inbound byte is a violation.
func (c *Connection) Deadline() time.Time { return c.deadline }

// Closed reports whether the connection has been destroyed.
func (c *Connection) Closed() bool { return c.closed }

// IsReady reports whether now has reached the deadline, compared at
// microsecond granularity.
func (c *Connection) IsReady(now time.Time) bool {
	return !now.Truncate(time.Microsecond).Before(c.deadline)
}

// RearmDeadline draws a new delay, moves the deadline and tells the client.
func (c *Connection) RearmDeadline() {
	sec := c.owner.rand.IntN(c.owner.settings.DelayBound)
	usec := c.owner.rand.IntN(1_000_000)

	now := c.owner.clock.Now().Truncate(time.Microsecond)
	c.deadline = now.Add(time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond)

	log.Debug().
		Str("connection_id", c.ID).
		Time("deadline", c.deadline).
		Msg("deadline rearmed")

	c.enqueue(FormatStatusLine(sec, usec, c.owner.score, c.owner.maxScore))
}

// FormatStatusLine renders "<sec>.<usec6> <score> <maxScore>\n".
func FormatStatusLine(sec, usec, score, maxScore int) []byte {
	return []byte(fmt.Sprintf("%d.%06d %d %d\n", sec, usec, score, maxScore))
}

// OnReadable judges a chunk of inbound bytes received at the given time.
// An empty chunk is a peer close.
func (c *Connection) OnReadable(at time.Time, data []byte) {
	if c.closed {
		return
	}
	if len(data) == 0 {
		c.OnClosedOrError(nil)
		return
	}

	if c.owner.settings.DebugQuit && bytes.IndexByte(data, 'x') >= 0 {
		c.owner.TriggerReset(CauseDebugQuit)
		return
	}

	if !c.IsReady(at) {
		log.Info().
			Str("connection_id", c.ID).
			Dur("early_by", c.deadline.Sub(at)).
			Msg("timing violation")
		c.owner.TriggerReset(CauseViolation)
		return
	}

	c.owner.IncrementScore()
	c.owner.sink.Emit(Event{
		ID:           uuid.New(),
		Type:         EventTypeTick,
		Score:        c.owner.score,
		MaxScore:     c.owner.maxScore,
		ConnectionID: c.ID,
		Timestamp:    at,
	})
	c.RearmDeadline()
}

// OnClosedOrError tears the connection down after EOF or an I/O error.
func (c *Connection) OnClosedOrError(err error) {
	if c.closed {
		return
	}
	if err != nil && !isClosedErr(err) {
		log.Error().
			Err(err).
			Str("connection_id", c.ID).
			Msg("connection read failed")
	}
	c.destroy()
}

// destroy unregisters the connection and releases its transport. Safe to call
// more than once.
func (c *Connection) destroy() {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.owner.connections, c)
	close(c.send)
	c.transport.Close()

	log.Info().
		Str("connection_id", c.ID).
		Int("total_connections", len(c.owner.connections)).
		Msg("connection closed")
}

func (c *Connection) enqueue(line []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- line:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection send buffer full, closing connection")
		c.destroy()
	}
}

// writePump drains queued status lines to the transport until the send
// channel is closed.
func (c *Connection) writePump() {
	for line := range c.send {
		c.transport.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.transport.Write(line); err != nil {
			if !isClosedErr(err) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write status line")
			}
			c.transport.Close()
			for range c.send {
			}
			return
		}
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
