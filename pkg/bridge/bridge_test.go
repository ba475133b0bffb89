package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
	"github.com/stretchr/testify/require"
)

func packet(id mesh.PacketID, from mesh.NodeID, channel int, text string) mesh.Packet {
	return mesh.Packet{ID: id, From: from, Channel: channel, Port: mesh.PortText, Text: text, HopStart: 3, HopLimit: 3}
}

// S1
func TestNewMeshMessagePostsOneMatrixEvent(t *testing.T) {
	b, _, matrix, _, _ := newTestBridge()
	ctx := context.Background()

	p := packet(0x1111, 0xAE614908, 0, "hello")
	stats := mesh.ReceptionStats{GatewayID: "0xae61", RSSI: -40, SNR: 8.0, HopCount: 0}

	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, stats)

	require.Len(t, matrix.posts, 1)
	require.Contains(t, matrix.posts[0], "hello")
	require.NotNil(t, b.store.Get(0x1111))
}

// S2 + S3: a second source observation edits, a duplicate delivery does nothing.
func TestDuplicateObservationsConverge(t *testing.T) {
	b, _, matrix, _, _ := newTestBridge()
	ctx := context.Background()

	p := packet(0x1111, 0xAE614908, 0, "hello")
	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw-ae61", RSSI: -40, HopCount: 0})
	require.Len(t, matrix.posts, 1)

	st := b.store.Get(0x1111)
	eventID := st.MatrixEventID

	b.HandleMeshPacket(ctx, p, mesh.SourceLAN, mesh.ReceptionStats{GatewayID: mesh.LANGatewayID, RSSI: -30, HopCount: 0})
	require.Equal(t, 1, matrix.editCount(eventID))
	require.Len(t, st.ReceptionList, 2)

	// S3: identical re-delivery from the same gateway.
	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw-ae61", RSSI: -40, HopCount: 0})
	require.Equal(t, 1, matrix.editCount(eventID), "no new edit for a gateway already recorded")
	require.Len(t, st.ReceptionList, 2)
}

// Invariant 1: dedup convergence across N observations from a mix of gateways.
func TestDedupConvergenceAcrossManyObservations(t *testing.T) {
	b, _, matrix, _, _ := newTestBridge()
	ctx := context.Background()

	p := packet(0x4242, 0xAE614908, 0, "hi")
	gateways := []mesh.GatewayID{"gw1", "gw2", "gw3", mesh.LANGatewayID}
	for i := 0; i < 20; i++ {
		gw := gateways[i%len(gateways)]
		b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: gw, RSSI: -50})
	}

	require.Len(t, matrix.posts, 1)
	st := b.store.Get(0x4242)
	require.Len(t, st.ReceptionList, len(gateways))
	seen := map[mesh.GatewayID]int{}
	for _, r := range st.ReceptionList {
		seen[r.GatewayID]++
	}
	for _, gw := range gateways {
		require.Equal(t, 1, seen[gw])
	}
}

// S4: a reaction edits its parent and produces no new top-level event.
func TestReactionEditsParentOnly(t *testing.T) {
	b, _, matrix, _, _ := newTestBridge()
	ctx := context.Background()

	parent := packet(0x1111, 0xAE614908, 0, "hello")
	b.HandleMeshPacket(ctx, parent, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	parentState := b.store.Get(0x1111)
	eventID := parentState.MatrixEventID

	replyID := mesh.PacketID(0x1111)
	reaction := mesh.Packet{ID: 0x2222, From: 0xbeef, Channel: 0, Port: mesh.PortReaction, Text: "👍", ReplyID: &replyID}
	b.HandleMeshPacket(ctx, reaction, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})

	require.Len(t, matrix.posts, 1, "no new top-level Matrix event for the reaction")
	require.Equal(t, 1, matrix.editCount(eventID))
	require.Contains(t, matrix.lastBody(eventID), "👍")

	reactionState := b.store.Get(0x2222)
	require.NotNil(t, reactionState)
	require.Empty(t, reactionState.MatrixEventID, "invariant 5: reactions carry no Matrix event of their own")
}

// Invariant 3 reply linkage: a reply observed after its parent threads to the parent's event; a reply to a never-seen parent stays standalone (no backfill).
func TestReplyLinkageOrdering(t *testing.T) {
	b, _, matrix, _, _ := newTestBridge()
	ctx := context.Background()

	parent := packet(0x1111, 0xAE614908, 0, "hello")
	b.HandleMeshPacket(ctx, parent, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	parentEvent := b.store.Get(0x1111).MatrixEventID

	replyID := mesh.PacketID(0x1111)
	reply := mesh.Packet{ID: 0x3333, From: 0xcafe, Channel: 0, Port: mesh.PortText, Text: "re: hello", ReplyID: &replyID}
	b.HandleMeshPacket(ctx, reply, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})

	require.Len(t, matrix.posts, 2)
	require.Equal(t, parentEvent, matrix.replyIDs[1])

	// Reply referencing an unknown parent stays standalone (no backfill).
	unknownParent := mesh.PacketID(0x9999)
	orphan := mesh.Packet{ID: 0x4444, From: 0xcafe, Channel: 0, Port: mesh.PortText, Text: "re: ghost", ReplyID: &unknownParent}
	b.HandleMeshPacket(ctx, orphan, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	require.Len(t, matrix.posts, 3)
	require.Empty(t, matrix.replyIDs[2])
}

// Invariant 7 / channel filter.
func TestChannelFilterDropsSilently(t *testing.T) {
	b, _, matrix, persist, _ := newTestBridge()
	ctx := context.Background()

	p := packet(0x1111, 0xAE614908, 5, "off channel")
	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})

	require.Empty(t, matrix.posts)
	require.Nil(t, b.store.Get(0x1111))
	require.Empty(t, persist.states)
}

// Invariant 4 / echo suppression: a Matrix-originated packet's mesh echo
// merges stats without creating a second event.
func TestEchoSuppression(t *testing.T) {
	b, sink, matrix, _, _ := newTestBridge()
	ctx := context.Background()

	b.HandleMatrixText(ctx, MatrixTextEvent{EventID: "$matrix1", Body: "hi from matrix"}, "alice")
	require.Len(t, sink.texts, 1)

	var sentID mesh.PacketID
	for id := range b.store.byPacket {
		sentID = id
	}
	require.NotZero(t, sentID)

	echo := mesh.Packet{ID: sentID, From: 0x1, Channel: 0, Port: mesh.PortText, Text: sink.texts[0]}
	b.HandleMeshPacket(ctx, echo, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw-echo"})

	require.Empty(t, matrix.posts, "matrix-originated packets never get a bridge-created post")
	st := b.store.Get(sentID)
	require.Len(t, st.ReceptionList, 1)
}

// S5: long message splitting.
func TestMatrixTextSplitting(t *testing.T) {
	b, sink, _, _, _ := newTestBridge()
	ctx := context.Background()

	long := make([]byte, 450)
	for i := range long {
		long[i] = 'a'
	}
	b.HandleMatrixText(ctx, MatrixTextEvent{EventID: "$ev1", Body: string(long)}, "alice")

	require.Len(t, sink.texts, 3)
	for _, part := range sink.texts {
		require.LessOrEqual(t, len(part), maxPacketBytes)
	}
	require.Contains(t, sink.texts[0], "[alice]:")
	require.Contains(t, sink.texts[0], "(1/3)")
	require.Contains(t, sink.texts[2], "(3/3)")
}

// S6: Matrix reaction dispatches a tapback and creates no MessageState.
func TestMatrixReactionSendsTapback(t *testing.T) {
	b, sink, _, _, _ := newTestBridge()
	ctx := context.Background()

	p := packet(0x1111, 0xAE614908, 0, "hello")
	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	eventID := b.store.Get(0x1111).MatrixEventID

	before := b.store.Len()
	b.HandleMatrixReaction(ctx, MatrixReactionEvent{EventID: "$reaction1", Sender: "@alice:example.org", TargetEventID: eventID, Key: "🎉"})

	require.Len(t, sink.tapbacks, 1)
	require.Equal(t, mesh.PacketID(0x1111), sink.tapbacks[0])
	require.Equal(t, before, b.store.Len(), "reaction dispatch creates no top-level MessageState")
}

// EXPANSION §4.5: redelivered identical reaction is suppressed.
func TestMatrixReactionDedup(t *testing.T) {
	b, sink, _, _, _ := newTestBridge()
	ctx := context.Background()

	p := packet(0x1111, 0xAE614908, 0, "hello")
	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	eventID := b.store.Get(0x1111).MatrixEventID

	ev := MatrixReactionEvent{EventID: "$r1", Sender: "@alice:example.org", TargetEventID: eventID, Key: "🎉"}
	b.HandleMatrixReaction(ctx, ev)
	b.HandleMatrixReaction(ctx, ev)

	require.Len(t, sink.tapbacks, 1)
}

func TestReplyIDUsesParentChannel(t *testing.T) {
	b, sink, _, _, _ := newTestBridge()
	b.cfg.AllowedChannels = map[int]bool{0: true, 2: true}
	ctx := context.Background()

	p := packet(0x1111, 0xAE614908, 2, "hello on channel 2")
	b.HandleMeshPacket(ctx, p, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	parentEvent := b.store.Get(0x1111).MatrixEventID

	b.HandleMatrixText(ctx, MatrixTextEvent{EventID: "$reply1", Body: "replying", InReplyToEvent: parentEvent}, "bob")

	require.Len(t, sink.texts, 1)
	var sentID mesh.PacketID
	for id, st := range b.store.byPacket {
		if st.IsMatrixOrigin {
			sentID = id
		}
	}
	st := b.store.Get(sentID)
	require.Equal(t, 2, st.ChannelIndex)
}

func TestRestartRecoveryRehydratesStore(t *testing.T) {
	_, _, _, persist, names := newTestBridge()
	ctx := context.Background()

	seed := &MessageState{
		PacketID:      0x5555,
		MatrixEventID: "$seeded",
		SenderNode:    0xaaaa,
		ChannelIndex:  0,
		OriginalText:  "seeded",
		CreatedAt:     time.Now().Add(-time.Hour),
		LastUpdateAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, persist.SaveMessageState(ctx, seed))

	sink2 := newFakeMeshSink()
	matrix2 := newFakeMatrix()
	b2 := New(DefaultConfig(), sink2, matrix2, persist, names, nil)
	require.NoError(t, b2.Restore(ctx))

	require.NotNil(t, b2.store.Get(0x5555))
	require.Equal(t, "$seeded", b2.store.Get(0x5555).MatrixEventID)

	// A later observation of the same packet_id edits the same event.
	again := packet(0x5555, 0xaaaa, 0, "seeded")
	b2.HandleMeshPacket(ctx, again, mesh.SourceMQTT, mesh.ReceptionStats{GatewayID: "gw1"})
	require.Equal(t, 1, matrix2.editCount("$seeded"))
}
