package peer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/crdtboard/internal/config"
	"github.com/heitortanoue/crdtboard/pkg/board"
	"github.com/heitortanoue/crdtboard/pkg/crdt"
	"github.com/heitortanoue/crdtboard/pkg/election"
	"github.com/heitortanoue/crdtboard/pkg/relay"
	"github.com/heitortanoue/crdtboard/pkg/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

func testConfig(id crdt.ClientID, transportKind, relayURL string) Config {
	return Config{
		Room:             "crdt-chessboard-demo-v1",
		ClientID:         id,
		Transport:        transportKind,
		RelayURL:         relayURL,
		ElectionDelay:    200 * time.Millisecond,
		StartupDelay:     50 * time.Millisecond,
		AwarenessTimeout: 5 * time.Second,
		LogOutput:        io.Discard,
	}
}

func startPeer(t *testing.T, cfg Config) *Peer {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })
	return p
}

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(relay.DefaultConfig(), nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(Config{Room: "r", Transport: "smoke-signals"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	p, err := New(Config{Room: "r", Transport: config.TransportLocal, LogOutput: io.Discard})
	require.NoError(t, err)
	assert.NotZero(t, p.ClientID())
	assert.Equal(t, board.DefaultPalette, p.Palette())
}

func TestConfigFrom(t *testing.T) {
	c := config.DefaultConfig()
	c.ClientID = 9
	c.Transport = config.TransportGossip
	c.Gossip.Seeds = []string{"10.0.0.1:7946"}

	cfg := ConfigFrom(c)
	assert.Equal(t, crdt.ClientID(9), cfg.ClientID)
	assert.Equal(t, config.TransportGossip, cfg.Transport)
	assert.Equal(t, []string{"10.0.0.1:7946"}, cfg.Gossip.Seeds)
	assert.Equal(t, c.ElectionDelay, cfg.ElectionDelay)
	assert.Len(t, cfg.Palette, 8)
}

func TestPeer_AloneOfflineSeeds(t *testing.T) {
	p := startPeer(t, testConfig(1, config.TransportLocal, ""))

	require.Eventually(t, func() bool { return p.Store().Len() == board.Size }, waitFor, tick)
	assert.True(t, p.Election().Seeded())
	assert.Equal(t, board.SeedPattern(), p.Store().Snapshot())

	assert.Equal(t, transport.StatusDisconnected, p.Provider().Status())
	assert.False(t, p.Provider().Synced())
	assert.True(t, errors.Is(p.Provider().LastError(), transport.ErrTransportUnavailable))
}

func TestPeer_MutationsBeforeSeedFail(t *testing.T) {
	cfg := testConfig(1, config.TransportLocal, "")
	cfg.StartupDelay = time.Hour
	p := startPeer(t, cfg)

	assert.ErrorIs(t, p.ToggleSquare(0), board.ErrIndexOutOfRange)
	assert.ErrorIs(t, p.SetSquareColor(3, "#ff6666"), board.ErrIndexOutOfRange)
	assert.Equal(t, 0, p.Store().Len())
}

func TestPeer_MutationsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(1, config.TransportLocal, "")
	cfg.LogOutput = &buf
	p := startPeer(t, cfg)
	require.Eventually(t, func() bool { return p.Store().Len() == board.Size }, waitFor, tick)

	require.NoError(t, p.ToggleSquare(0))
	require.NoError(t, p.SetSquareColor(1, "#66ccff"))
	require.NoError(t, p.Fill("#ffd166"))
	require.NoError(t, p.Reset())
	assert.ErrorIs(t, p.ToggleSquare(board.Size), board.ErrIndexOutOfRange)

	assert.Equal(t, board.SeedPattern(), p.Store().Snapshot())
	out := buf.String()
	assert.Contains(t, out, "BOARD_EDIT: op=toggle index=0 color=#222222")
	assert.Contains(t, out, "BOARD_EDIT: op=fill")
	assert.Contains(t, out, "ELECTION: outcome=seeded leader=1")
	assert.Contains(t, out, "STATE_SNAPSHOT: squares=64 peers=1")
	assert.Contains(t, out, "METRICS: operation=fill")
	assert.Contains(t, out, "METRICS: operation=reset")
}

func TestPeer_TwoPeersOverRelay(t *testing.T) {
	url := startRelay(t)

	a := startPeer(t, testConfig(1, config.TransportWebsocket, url))
	b := startPeer(t, testConfig(2, config.TransportWebsocket, url))

	// the lowest id seeds once, the other converges on the same board
	require.Eventually(t, func() bool {
		return a.Store().Len() == board.Size && b.Store().Len() == board.Size
	}, waitFor, tick)
	assert.True(t, a.Election().Seeded())
	assert.False(t, b.Election().Seeded())
	assert.Equal(t, a.Store().Snapshot(), b.Store().Snapshot())

	require.NoError(t, b.ToggleSquare(0))
	require.Eventually(t, func() bool {
		c, err := a.Store().Get(0)
		return err == nil && c == board.Black
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(a.Awareness().PeerIDs()) == 2 && len(b.Awareness().PeerIDs()) == 2
	}, waitFor, tick)

	require.NoError(t, b.Stop())
	require.Eventually(t, func() bool { return len(a.Awareness().PeerIDs()) == 1 }, waitFor, tick)
}

func TestPeer_LateJoinerDoesNotSeed(t *testing.T) {
	url := startRelay(t)

	a := startPeer(t, testConfig(5, config.TransportWebsocket, url))
	require.Eventually(t, func() bool { return a.Store().Len() == board.Size }, waitFor, tick)

	// a lower id arriving later finds a populated board
	b := startPeer(t, testConfig(1, config.TransportWebsocket, url))
	require.Eventually(t, func() bool {
		info := b.Election().GetStateInfo()
		return info["decisions"].(int) > 0 && b.Store().Len() == board.Size
	}, waitFor, tick)
	assert.False(t, b.Election().Seeded())
	assert.Equal(t, string(election.OutcomeNotEmpty), b.Election().GetStateInfo()["last_outcome"])
}

func TestPeer_ProjectionFollowsRemoteEdits(t *testing.T) {
	url := startRelay(t)
	a := startPeer(t, testConfig(1, config.TransportWebsocket, url))
	b := startPeer(t, testConfig(2, config.TransportWebsocket, url))
	require.Eventually(t, func() bool { return b.Store().Len() == board.Size }, waitFor, tick)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := b.Projection().Watch(ctx)
	<-snapshots

	require.NoError(t, a.SetSquareColor(10, "#a78bfa"))
	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-snapshots:
			if len(snap) == board.Size && snap[10] == "#a78bfa" {
				return
			}
		case <-deadline:
			t.Fatal("projection never showed the remote edit")
		}
	}
}

func TestPeer_SetPresence(t *testing.T) {
	url := startRelay(t)
	a := startPeer(t, testConfig(1, config.TransportWebsocket, url))
	b := startPeer(t, testConfig(2, config.TransportWebsocket, url))

	require.NoError(t, a.SetPresence("color", "#ff6666"))
	assert.ErrorIs(t, b.SetPresence("", "x"), ErrEmptyPresenceKey)
	assert.Equal(t, "#ff6666", a.Awareness().LocalState()["color"])

	require.Eventually(t, func() bool {
		return b.Awareness().States()[1]["color"] == "#ff6666"
	}, waitFor, tick)
}

func TestPeer_OfflineEditsReplicateWhenRelayReturns(t *testing.T) {
	// reserve a port, then leave it closed until the relay starts
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	url := "ws://" + addr

	a := startPeer(t, testConfig(1, config.TransportWebsocket, url))
	require.Eventually(t, func() bool { return a.Store().Len() == board.Size }, waitFor, tick)
	require.NoError(t, a.SetSquareColor(3, "#abcdef"))
	assert.False(t, a.Provider().Synced())

	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(relay.NewServer(relay.DefaultConfig(), nil).Handler())
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	require.Eventually(t, a.Provider().Synced, 2*waitFor, tick)
	b := startPeer(t, testConfig(2, config.TransportWebsocket, url))

	// b may seed too if it decides before a's state arrives; either way
	// both replicas end on the same sequence holding the offline edit
	require.Eventually(t, func() bool {
		sa, sb := a.Store().Snapshot(), b.Store().Snapshot()
		return len(sb) > 0 && reflect.DeepEqual(sa, sb)
	}, waitFor, tick)
	assert.Contains(t, b.Store().Snapshot(), "#abcdef")
}

func TestPeer_StatsAndStop(t *testing.T) {
	p := startPeer(t, testConfig(3, config.TransportLocal, ""))

	stats := p.Stats()
	for _, key := range []string{"client_id", "room", "transport", "squares", "election", "presence", "provider", "uptime", "observers"} {
		assert.Contains(t, stats, key)
	}
	assert.Equal(t, config.TransportLocal, stats["transport"])

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
