package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	eventChannelBufferSize = 256
	readBufferSize         = 8192
)

// acceptRetryDelay is the pause after a transient accept error.
var acceptRetryDelay = 50 * time.Millisecond

// ErrReactorStopped is returned by Stats once the loop has exited.
var ErrReactorStopped = errors.New("reactor stopped")

type acceptEvent struct {
	conn net.Conn
}

type readEvent struct {
	conn *Connection
	at   time.Time
	data []byte
}

type closeEvent struct {
	conn *Connection
	err  error
}

type statsRequest struct {
	reply chan Stats
}

// Reactor owns the listener and the single goroutine that mutates State.
// Accepts, reads and timer expiry are all delivered to that goroutine.
type Reactor struct {
	state  *State
	clock  Clock
	events chan any
	done   chan struct{}
}

// NewReactor creates a reactor around the shared state.
func NewReactor(state *State) *Reactor {
	return &Reactor{
		state:  state,
		clock:  state.clock,
		events: make(chan any, eventChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ListenAndServe binds addr and runs the loop until ctx is cancelled.
// Bind failures are returned before any connection is accepted.
func (r *Reactor) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind/listen on %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve runs the event loop on ln. It returns nil when ctx is cancelled or a
// debug quit is requested. The listener is closed on return.
func (r *Reactor) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer close(r.done)

	log.Info().Str("addr", ln.Addr().String()).Msg("reactor listening")

	accepting := make(chan struct{})
	go func() {
		defer close(accepting)
		r.acceptLoop(ctx, ln)
	}()
	defer func() {
		cancel()
		ln.Close()
		<-accepting
		r.discardPending()
	}()

	for {
		select {
		case <-ctx.Done():
			closed := r.state.closeAll()
			log.Info().Int("connections_closed", closed).Msg("reactor shutting down")
			return nil

		case <-r.state.resetC():
			// The timer has fired; drop it before the coordinator tries to stop it.
			r.state.resetTimer = nil
			r.state.TriggerReset(CauseTimer)

		case ev := <-r.events:
			if r.dispatch(ctx, ev) {
				log.Info().Msg("debug quit requested, stopping reactor")
				return nil
			}
		}
	}
}

// dispatch handles one event and reports whether the loop should stop.
func (r *Reactor) dispatch(ctx context.Context, ev any) bool {
	switch ev := ev.(type) {
	case acceptEvent:
		r.OnAccept(ctx, ev.conn)
	case readEvent:
		ev.conn.OnReadable(ev.at, ev.data)
		return r.state.stopRequested
	case closeEvent:
		ev.conn.OnClosedOrError(ev.err)
	case statsRequest:
		ev.reply <- r.state.Stats()
	}
	return false
}

// OnAccept arms the global reset timer if needed and starts a connection.
func (r *Reactor) OnAccept(ctx context.Context, raw net.Conn) *Connection {
	r.state.ArmGlobalResetIfAbsent()
	c := NewConnection(r.state, raw)
	go r.readPump(ctx, c)
	return c
}

// Stats asks the loop for a snapshot of the shared state.
func (r *Reactor) Stats(ctx context.Context) (Stats, error) {
	req := statsRequest{reply: make(chan Stats, 1)}
	select {
	case r.events <- req:
	case <-r.done:
		return Stats{}, ErrReactorStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case stats := <-req.reply:
		return stats, nil
	case <-r.done:
		return Stats{}, ErrReactorStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Reactor) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to accept connection")
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		if !r.post(ctx, acceptEvent{conn: conn}) {
			conn.Close()
			return
		}
	}
}

// discardPending closes transports that were accepted but never reached the
// loop. It runs after the accept loop has exited.
func (r *Reactor) discardPending() {
	for {
		select {
		case ev := <-r.events:
			if accept, ok := ev.(acceptEvent); ok {
				accept.conn.Close()
			}
		default:
			return
		}
	}
}

// readPump forwards inbound bytes and the final close to the loop.
func (r *Reactor) readPump(ctx context.Context, c *Connection) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !r.post(ctx, readEvent{conn: c, at: r.clock.Now(), data: data}) {
				return
			}
		}
		if err != nil || n == 0 {
			r.post(ctx, closeEvent{conn: c, err: err})
			return
		}
	}
}

func (r *Reactor) post(ctx context.Context, ev any) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
