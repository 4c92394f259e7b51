package lan

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"

	"crowdlink/go-mesh-node/internal/transport"
)

func waitFor(t *testing.T, tr *Transport, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newLoopback(t *testing.T, base int) *Transport {
	t.Helper()
	tr := New(Config{ListenAddr: "127.0.0.1:0", DisableMDNS: true, SimulatedBase: base, SimulatedJitter: 3})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestLinkLifecycle(t *testing.T) {
	host := newLoopback(t, -60)
	guest := newLoopback(t, -60)

	hostID, err := host.Advertise(context.Background(), "Main Stage")
	require.NoError(t, err)
	require.Equal(t, host.ID(), hostID)
	require.NotNil(t, host.Addr())

	_, err = guest.Discover(context.Background(), "guest")
	require.NoError(t, err)
	guest.AddPeer(hostID, host.Addr().String())

	require.NoError(t, guest.RequestConnection(hostID))
	inv := waitFor(t, host, transport.Invitation)
	require.Equal(t, guest.ID(), inv.PeerID)
	require.Equal(t, "guest", inv.Name)

	require.NoError(t, host.AcceptConnection(guest.ID()))
	require.Equal(t, guest.ID(), waitFor(t, host, transport.Connected).PeerID)
	require.Equal(t, hostID, waitFor(t, guest, transport.Connected).PeerID)

	require.NoError(t, guest.SendText(hostID, `{"type":"JOIN_REQUEST","eventCode":"4242"}`))
	got := waitFor(t, host, transport.TextReceived)
	require.Equal(t, `{"type":"JOIN_REQUEST","eventCode":"4242"}`, got.Text)
	require.Equal(t, guest.ID(), got.PeerID)

	s, ok := host.SignalStrength(guest.ID())
	require.True(t, ok)
	require.InDelta(t, -60, s, 3)

	require.NoError(t, host.Disconnect(guest.ID()))
	require.Equal(t, hostID, waitFor(t, guest, transport.Disconnected).PeerID)
	require.Eventually(t, func() bool {
		_, linked := host.SignalStrength(guest.ID())
		return !linked
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectedInvitationSurfacesAsDisconnect(t *testing.T) {
	host := newLoopback(t, 0)
	guest := newLoopback(t, 0)
	hostID, err := host.Advertise(context.Background(), "room")
	require.NoError(t, err)
	guest.AddPeer(hostID, host.Addr().String())

	require.NoError(t, guest.RequestConnection(hostID))
	waitFor(t, host, transport.Invitation)
	require.NoError(t, host.Disconnect(guest.ID()))

	require.Equal(t, hostID, waitFor(t, guest, transport.Disconnected).PeerID)
	require.ErrorIs(t, guest.SendText(hostID, "x"), transport.ErrUnknownPeer)
}

func TestUnknownPeers(t *testing.T) {
	tr := newLoopback(t, 0)
	require.ErrorIs(t, tr.RequestConnection("nobody"), transport.ErrUnknownPeer)
	require.ErrorIs(t, tr.AcceptConnection("nobody"), transport.ErrUnknownPeer)
	require.NoError(t, tr.Disconnect("nobody"))
	_, ok := tr.SignalStrength("nobody")
	require.False(t, ok)

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.SendText("nobody", "x"), transport.ErrClosed)
	_, err := tr.Advertise(context.Background(), "late")
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestParseEntry(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Main Stage"},
		Port:          7400,
		Text:          []string{"id=abc", "proto=v1", "name=Main Stage"},
		TTL:           120,
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	}
	id, name, addr, ok := parseEntry(entry)
	require.True(t, ok)
	require.Equal(t, "abc", id)
	require.Equal(t, "Main Stage", name)
	require.Equal(t, "192.168.1.20:7400", addr)

	entry.Text = []string{"proto=v1"}
	_, _, _, ok = parseEntry(entry)
	require.False(t, ok)

	entry.Text = []string{"id=abc"}
	entry.AddrIPv4 = nil
	_, _, _, ok = parseEntry(entry)
	require.False(t, ok)
}

func TestSanitizeInstance(t *testing.T) {
	require.Equal(t, "CrowdLink Event", sanitizeInstance("  "))
	require.Equal(t, "Main Stage  north", sanitizeInstance("Main Stage._north"))
	long := make([]rune, 80)
	for i := range long {
		long[i] = 'x'
	}
	require.Len(t, []rune(sanitizeInstance(string(long))), 63)
}
