package control

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/maplejuice/pkg/membership"
	"github.com/3leaps/maplejuice/pkg/wire"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

type recordingElector struct {
	mu       sync.Mutex
	started  int
	observed []string
}

func (e *recordingElector) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
}

func (e *recordingElector) ObserveVictory(leader string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observed = append(e.observed, leader)
}

func (e *recordingElector) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// servePipe runs one request from peer against h and returns every frame the
// handler wrote before closing.
func servePipe(t *testing.T, h *Handler, peer string, frames ...string) []string {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), wire.NewConn(addrConn{Conn: server, remote: fakeAddr(peer + ":41000")}, 0, 0))
	}()

	for _, f := range frames {
		require.NoError(t, wire.WriteFrame(client, f))
	}
	var out []string
	for {
		f, err := wire.ReadFrame(client)
		if err != nil {
			require.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe), "unexpected error: %v", err)
			break
		}
		out = append(out, f)
	}
	_ = client.Close()
	<-done
	return out
}

func TestHandler_ElectionFromHigherPeerIsRejected(t *testing.T) {
	view := membership.NewList("10.0.0.5")
	el := &recordingElector{}
	h := NewHandler(HandlerConfig{View: view, Elector: el})

	got := servePipe(t, h, "10.0.0.9", string(MsgElection))
	assert.Equal(t, []string{ReplyNACK}, got)
	assert.Equal(t, 0, el.count())
}

func TestHandler_ElectionFromLowerPeerStartsElection(t *testing.T) {
	view := membership.NewList("10.0.0.5")
	el := &recordingElector{}
	h := NewHandler(HandlerConfig{View: view, Elector: el})

	got := servePipe(t, h, "10.0.0.2", string(MsgElection))
	assert.Equal(t, []string{ReplyOK}, got)
	assert.Equal(t, 1, el.count())
}

func TestHandler_VictoryRecordsLeader(t *testing.T) {
	view := membership.NewList("10.0.0.5")
	el := &recordingElector{}
	h := NewHandler(HandlerConfig{View: view, Elector: el})

	got := servePipe(t, h, "10.0.0.9", string(MsgVictory))
	assert.Equal(t, []string{""}, got)
	assert.Equal(t, "10.0.0.9", view.Leader())
	assert.Equal(t, []string{"10.0.0.9"}, el.observed)
}

func TestHandler_CoordinationIsEmptyReply(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	assert.Equal(t, []string{""}, servePipe(t, h, "10.0.0.1", string(MsgCoordination)))
}

func TestHandler_UnknownTypeHasNoReply(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	assert.Empty(t, servePipe(t, h, "10.0.0.1", "REPLICATE"))
}

func TestHandler_NoStoreRepliesError(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	got := servePipe(t, h, "10.0.0.1", string(MsgDelete), "a.txt")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "ERROR: ")
}

func TestWriteGuard(t *testing.T) {
	var g WriteGuard
	assert.True(t, g.TryBegin())
	assert.False(t, g.TryBegin())
	g.Begin()
	assert.EqualValues(t, 2, g.InFlight())
	g.End()
	g.End()
	assert.EqualValues(t, 0, g.InFlight())
	assert.True(t, g.TryBegin())
}
