package game

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testReactor struct {
	reactor *Reactor
	addr    string
	clock   *clockwork.FakeClock
	sink    *recordingSink
	out     *bytes.Buffer
	cancel  context.CancelFunc
	result  chan error
}

func startReactor(t *testing.T, settings Settings, draws ...int) *testReactor {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(epoch0)
	sink := newRecordingSink()
	out := &bytes.Buffer{}
	state := NewState(settings, clock, &seqRand{values: draws}, MultiSink{NewStdoutSink(out), sink})
	reactor := NewReactor(state)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- reactor.Serve(ctx, ln) }()

	tr := &testReactor{
		reactor: reactor,
		addr:    ln.Addr().String(),
		clock:   clock,
		sink:    sink,
		out:     out,
		cancel:  cancel,
		result:  result,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-result:
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
	})
	return tr
}

func (tr *testReactor) dial(t *testing.T) *pipeClient {
	t.Helper()
	conn, err := net.Dial("tcp", tr.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &pipeClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (tr *testReactor) stats(t *testing.T) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := tr.reactor.Stats(ctx)
	require.NoError(t, err)
	return stats
}

func send(t *testing.T, client *pipeClient, payload string) {
	t.Helper()
	_, err := client.conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestReactorTickThenViolation(t *testing.T) {
	tr := startReactor(t, Settings{DelayBound: 3, ResetInterval: time.Minute}, 0, 0, 2, 0)
	client := tr.dial(t)

	assert.Equal(t, "0.000000 0 0\n", client.readLine(t))

	send(t, client, "a")
	assert.Equal(t, "2.000000 1 1\n", client.readLine(t))
	assert.Equal(t, EventTypeTick, tr.sink.next(t).Type)

	send(t, client, "b")
	ev := tr.sink.next(t)
	assert.Equal(t, EventTypeEpochReset, ev.Type)
	assert.Equal(t, CauseViolation, ev.Cause)
	assert.Equal(t, 1, ev.Score)
	assert.Equal(t, 1, ev.MaxScore)
	assert.Equal(t, "1 / 1\n", tr.out.String())
	client.requireClosed(t)

	stats := tr.stats(t)
	assert.Zero(t, stats.Score)
	assert.Equal(t, 1, stats.MaxScore)
	assert.Zero(t, stats.Connections)
	assert.False(t, stats.ResetArmed)
	assert.Equal(t, 1, stats.EpochsCompleted)
	assert.Equal(t, 1, stats.Violations)
}

func TestReactorTwoClientsTickThenTimerReset(t *testing.T) {
	tr := startReactor(t, Settings{DelayBound: 1, ResetInterval: time.Minute}, 0)
	first := tr.dial(t)
	second := tr.dial(t)

	assert.Equal(t, "0.000000 0 0\n", first.readLine(t))
	second.readLine(t)

	send(t, first, "1")
	assert.Equal(t, "0.000000 1 1\n", first.readLine(t))
	send(t, second, "2")
	assert.Equal(t, "0.000000 2 2\n", second.readLine(t))
	tr.sink.next(t)
	tr.sink.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.clock.BlockUntilContext(ctx, 1))
	tr.clock.Advance(time.Minute)

	ev := tr.sink.next(t)
	assert.Equal(t, CauseTimer, ev.Cause)
	assert.Equal(t, 2, ev.ConnectionsClosed)
	assert.Equal(t, "2 / 2\n", tr.out.String())
	first.requireClosed(t)
	second.requireClosed(t)

	stats := tr.stats(t)
	assert.Zero(t, stats.Score)
	assert.Equal(t, 2, stats.MaxScore)
	assert.Equal(t, 1, stats.TimerResets)
	assert.False(t, stats.ResetArmed)
}

func TestReactorArmsTimerOncePerEpoch(t *testing.T) {
	tr := startReactor(t, Settings{DelayBound: 2, ResetInterval: time.Minute}, 1, 0)
	first := tr.dial(t)
	first.readLine(t)

	tr.clock.Advance(40 * time.Second)
	second := tr.dial(t)
	second.readLine(t)
	assert.True(t, tr.stats(t).ResetArmed)

	// 60s after the first accept, not the second.
	tr.clock.Advance(20 * time.Second)
	ev := tr.sink.next(t)
	assert.Equal(t, CauseTimer, ev.Cause)
	assert.Equal(t, "0 / 0\n", tr.out.String())
	first.requireClosed(t)
	second.requireClosed(t)

	// The next accept starts a fresh epoch timer.
	third := tr.dial(t)
	third.readLine(t)
	assert.True(t, tr.stats(t).ResetArmed)
}

func TestReactorPeerCloseDoesNotReset(t *testing.T) {
	tr := startReactor(t, Settings{DelayBound: 2, ResetInterval: time.Minute}, 1, 0)
	leaving := tr.dial(t)
	staying := tr.dial(t)
	leaving.readLine(t)
	staying.readLine(t)

	require.NoError(t, leaving.conn.Close())

	require.Eventually(t, func() bool {
		stats, err := tr.reactor.Stats(context.Background())
		return err == nil && stats.Connections == 1
	}, 5*time.Second, 10*time.Millisecond)

	stats := tr.stats(t)
	assert.Zero(t, stats.EpochsCompleted)
	assert.True(t, stats.ResetArmed)
	tr.sink.requireNone(t)
	assert.Empty(t, tr.out.String())
}

func TestReactorStopsOnContextCancel(t *testing.T) {
	tr := startReactor(t, Settings{DelayBound: 2, ResetInterval: time.Minute}, 1, 0)
	client := tr.dial(t)
	client.readLine(t)

	tr.cancel()

	select {
	case err := <-tr.result:
		require.NoError(t, err)
		tr.result <- err
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop")
	}
	client.requireClosed(t)
	tr.sink.requireNone(t)

	_, err := tr.reactor.Stats(context.Background())
	assert.ErrorIs(t, err, ErrReactorStopped)
}

func TestReactorDebugQuitStopsLoop(t *testing.T) {
	tr := startReactor(t, Settings{DelayBound: 1, ResetInterval: time.Minute, DebugQuit: true}, 0)
	client := tr.dial(t)
	client.readLine(t)

	send(t, client, "x")

	assert.Equal(t, CauseDebugQuit, tr.sink.next(t).Cause)
	select {
	case err := <-tr.result:
		require.NoError(t, err)
		tr.result <- err
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop")
	}
	client.requireClosed(t)
}

func TestListenAndServeBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	state := NewState(defaultSettings(), clockwork.NewFakeClockAt(epoch0), &seqRand{values: []int{0}}, nil)
	err = NewReactor(state).ListenAndServe(context.Background(), taken.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind/listen")
}

func TestServeClosesAcceptsPendingAtShutdown(t *testing.T) {
	// Serve may pick either the pending accept or the cancellation first;
	// both orders must release the transport.
	for i := 0; i < 10; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		state := NewState(defaultSettings(), clockwork.NewFakeClockAt(epoch0), &seqRand{values: []int{0}}, nil)
		reactor := NewReactor(state)

		server, client := newPipe(t)
		reactor.events <- acceptEvent{conn: server}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, reactor.Serve(ctx, ln))

		client.requireClosed(t)
		assert.Zero(t, state.ConnectionCount())
	}
}

// failingListener reports a transient error on every Accept.
type failingListener struct {
	accepts chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	select {
	case l.accepts <- struct{}{}:
	default:
	}
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestAcceptLoopBackoffStopsOnCancel(t *testing.T) {
	previous := acceptRetryDelay
	acceptRetryDelay = time.Hour
	t.Cleanup(func() { acceptRetryDelay = previous })

	state := NewState(defaultSettings(), clockwork.NewFakeClockAt(epoch0), &seqRand{values: []int{0}}, nil)
	reactor := NewReactor(state)
	ln := &failingListener{accepts: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reactor.acceptLoop(ctx, ln)
		close(done)
	}()

	select {
	case <-ln.accepts:
	case <-time.After(5 * time.Second):
		t.Fatal("accept was never attempted")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop kept sleeping after cancel")
	}
}
