package bridge

import (
	"testing"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
	"github.com/stretchr/testify/require"
)

// S1: names fall back to hex, stats render as "-<rssi>dB" for direct reception.
func TestRenderFullMatchesScenarioOne(t *testing.T) {
	names := newFakeNames()
	st := &MessageState{
		PacketID:     0x1111,
		SenderNode:   0xAE614908,
		OriginalText: "hello",
	}
	st.AddReception(mesh.ReceptionStats{GatewayID: "0xae61", RSSI: -40, HopCount: 0})

	body := renderMessage(st, names, func(mesh.PacketID) *MessageState { return nil })
	require.Equal(t, "!ae614908: hello\n(Received by: 0xae61 (-40dB))", body.Plain)
}

func TestRenderStatsHopCount(t *testing.T) {
	names := newFakeNames()
	st := &MessageState{PacketID: 1, OriginalText: "hi"}
	st.AddReception(mesh.ReceptionStats{GatewayID: "gw1", HopCount: 3})

	body := renderMessage(st, names, func(mesh.PacketID) *MessageState { return nil })
	require.Contains(t, body.Plain, "gw1 (3 hops)")
}

func TestRenderCompactForMatrixOrigin(t *testing.T) {
	names := newFakeNames()
	st := &MessageState{PacketID: 1, OriginalText: "should not appear", IsMatrixOrigin: true}
	st.AddReception(mesh.ReceptionStats{GatewayID: "gw1", RSSI: -20})

	body := renderMessage(st, names, func(mesh.PacketID) *MessageState { return nil })
	require.NotContains(t, body.Plain, "should not appear")
	require.Contains(t, body.Plain, "Received by")
}

func TestRenderReplyBlockOmitsMissingChild(t *testing.T) {
	names := newFakeNames()
	parent := &MessageState{PacketID: 1, OriginalText: "parent", Replies: []mesh.PacketID{2}}
	body := renderMessage(parent, names, func(mesh.PacketID) *MessageState { return nil })
	require.NotContains(t, body.Plain, "↳")
}

func TestRenderReactionSummaryAggregatesByEmoji(t *testing.T) {
	names := newFakeNames()
	parent := &MessageState{
		PacketID:     1,
		OriginalText: "parent",
		Reactions: []Reaction{
			{Emoji: "👍", Reactor: "alice"},
			{Emoji: "👍", Reactor: "bob"},
			{Emoji: "🎉", Reactor: "carol"},
		},
	}
	body := renderMessage(parent, names, func(mesh.PacketID) *MessageState { return nil })
	require.Contains(t, body.Plain, "👍 — alice, bob")
	require.Contains(t, body.Plain, "🎉 — carol")
}

// Order independence of aggregation (invariant 2): same set, different
// arrival order, same resulting membership.
func TestRenderStatsOrderIndependentMembership(t *testing.T) {
	names := newFakeNames()
	a := &MessageState{PacketID: 1, OriginalText: "x"}
	a.AddReception(mesh.ReceptionStats{GatewayID: "gw1", RSSI: -10})
	a.AddReception(mesh.ReceptionStats{GatewayID: "gw2", RSSI: -20})

	b := &MessageState{PacketID: 2, OriginalText: "x"}
	b.AddReception(mesh.ReceptionStats{GatewayID: "gw2", RSSI: -20})
	b.AddReception(mesh.ReceptionStats{GatewayID: "gw1", RSSI: -10})

	bodyA := renderStats(a.ReceptionList, names)
	bodyB := renderStats(b.ReceptionList, names)
	require.NotEqual(t, bodyA, bodyB, "rendered order tracks arrival order")

	require.Contains(t, bodyA, "gw1")
	require.Contains(t, bodyA, "gw2")
	require.Contains(t, bodyB, "gw1")
	require.Contains(t, bodyB, "gw2")
}
