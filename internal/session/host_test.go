package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/protocol"
)

func connectAndVerify(t *testing.T, h *Host, peerID, code string) []Effect {
	t.Helper()
	require.Empty(t, h.Handle(Connected{PeerID: peerID}))
	return h.Handle(Received{PeerID: peerID, Message: protocol.JoinRequest{EventCode: code}})
}

func TestHostAutoAcceptsInvitations(t *testing.T) {
	h := NewHost("1234")
	require.Equal(t, []Effect{Accept{PeerID: "p1"}}, h.Handle(Invited{PeerID: "p1"}))
}

func TestHostConnectedIsUnverified(t *testing.T) {
	h := NewHost("1234")
	effects := h.Handle(Connected{PeerID: "p1"})
	require.Empty(t, effects)
	require.Equal(t, []model.ConnectionRecord{{PeerID: "p1", Status: model.StatusConnectedUnverified}}, h.Records())
	require.Empty(t, h.VerifiedPeers())
}

func TestHostVerifiesMatchingCode(t *testing.T) {
	h := NewHost("1234")
	effects := connectAndVerify(t, h, "p1", "1234")

	require.Equal(t, []Effect{Send{PeerID: "p1", Message: protocol.JoinAccepted{}}}, effects)
	require.Equal(t, []string{"p1"}, h.VerifiedPeers())
}

func TestHostRejectsWrongCodes(t *testing.T) {
	pairs := [][2]string{
		{"1234", "4321"},
		{"1234", ""},
		{"1234", "1234 "},
		{"0001", "1"},
		{"", "0"},
	}
	for i := 0; i < 20; i++ {
		pairs = append(pairs, [2]string{fmt.Sprintf("%04d", i), fmt.Sprintf("%04d", i+1)})
	}

	for _, pair := range pairs {
		h := NewHost(pair[0])
		effects := connectAndVerify(t, h, "p1", pair[1])

		require.Equal(t, []Effect{
			Send{PeerID: "p1", Message: protocol.JoinRejected{Reason: RejectReason}},
			Disconnect{PeerID: "p1"},
		}, effects, "host %q join %q", pair[0], pair[1])
		require.NotContains(t, h.VerifiedPeers(), "p1")
	}
}

func TestHostAllowsRetryAfterRejection(t *testing.T) {
	h := NewHost("1234")
	connectAndVerify(t, h, "p1", "0000")
	effects := h.Handle(Received{PeerID: "p1", Message: protocol.JoinRequest{EventCode: "1234"}})
	require.Equal(t, []Effect{Send{PeerID: "p1", Message: protocol.JoinAccepted{}}}, effects)
}

func TestHostDisconnectRemovesRecord(t *testing.T) {
	for _, verify := range []bool{true, false} {
		h := NewHost("1234")
		if verify {
			connectAndVerify(t, h, "p1", "1234")
		} else {
			h.Handle(Connected{PeerID: "p1"})
		}
		h.RecordStrength("p1", -60)

		require.Empty(t, h.Handle(Disconnected{PeerID: "p1"}))
		require.Empty(t, h.Records())
		require.NotContains(t, h.VerifiedPeers(), "p1")
		require.Empty(t, h.Strengths())
	}
}

func TestHostIgnoresMessagesFromUnknownOrUnverified(t *testing.T) {
	h := NewHost("1234")
	anchor := protocol.GPSAnchor{PeerID: "x", Latitude: 1, Longitude: 1}

	require.Empty(t, h.Handle(Received{PeerID: "ghost", Message: protocol.JoinRequest{EventCode: "1234"}}))
	require.Empty(t, h.VerifiedPeers())

	h.Handle(Connected{PeerID: "p1"})
	require.Empty(t, h.Handle(Received{PeerID: "p1", Message: anchor}))
	require.Empty(t, h.Handle(Received{PeerID: "p1", Message: protocol.SignalUpdate{PeerID: "p1", Strength: -40}}))
	require.Empty(t, h.Strengths())
}

func TestHostSignalUpdateFromVerifiedPeer(t *testing.T) {
	h := NewHost("1234")
	connectAndVerify(t, h, "p1", "1234")

	require.Empty(t, h.Handle(Received{PeerID: "p1", Message: protocol.SignalUpdate{PeerID: "p9", Strength: -55}}))
	require.Equal(t, map[string]int{"p9": -55}, h.Strengths())
}

func TestHostRelaysToOtherVerifiedPeers(t *testing.T) {
	h := NewHost("1234")
	connectAndVerify(t, h, "a", "1234")
	connectAndVerify(t, h, "b", "1234")
	connectAndVerify(t, h, "c", "1234")
	h.Handle(Connected{PeerID: "u"})

	chat := protocol.Chat{PeerID: "b", Name: "Bo", Text: "hi"}
	effects := h.Handle(Received{PeerID: "b", Message: chat})

	require.Equal(t, []Effect{
		Deliver{From: "b", Message: chat},
		Send{PeerID: "a", Message: chat},
		Send{PeerID: "c", Message: chat},
	}, effects)
}

func TestHostSignalBroadcast(t *testing.T) {
	h := NewHost("1234")
	require.Empty(t, h.SignalBroadcast())

	connectAndVerify(t, h, "a", "1234")
	connectAndVerify(t, h, "b", "1234")
	h.RecordStrength("a", -50)
	h.RecordStrength("ghost", -10)

	effects := h.SignalBroadcast()
	want := protocol.SignalBroadcast{Strengths: map[string]int{"a": -50}}
	require.Equal(t, []Effect{
		Send{PeerID: "a", Message: want},
		Send{PeerID: "b", Message: want},
	}, effects)
}

func TestHostCloseNotifiesVerifiedAndDisconnectsAll(t *testing.T) {
	h := NewHost("1234")
	connectAndVerify(t, h, "a", "1234")
	h.Handle(Connected{PeerID: "u"})

	effects := h.Handle(CloseRequested{})
	require.Equal(t, []Effect{
		Send{PeerID: "a", Message: protocol.RoomClosed{}},
		Disconnect{PeerID: "a"},
		Disconnect{PeerID: "u"},
		Notice{Kind: NoticeClosed},
	}, effects)
	require.Equal(t, HostClosed, h.State())
	require.Empty(t, h.Records())

	require.Empty(t, h.Handle(Invited{PeerID: "z"}))
	require.Empty(t, h.Handle(Connected{PeerID: "z"}))
	require.Empty(t, h.Handle(Received{PeerID: "z", Message: protocol.JoinRequest{EventCode: "1234"}}))
	require.Empty(t, h.Handle(CloseRequested{}))
	require.Empty(t, h.VerifiedPeers())
	require.Empty(t, h.Broadcast(protocol.Chat{Text: "late"}))
}
