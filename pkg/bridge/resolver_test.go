package bridge

import (
	"testing"
	"time"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
	"github.com/stretchr/testify/require"
)

func TestResolveExplicitReplyField(t *testing.T) {
	parent := mesh.PacketID(0x1111)
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "re: hi", ReplyID: &parent}
	res := resolve(p, nil, time.Time{}, nil)
	require.Equal(t, mesh.RoleReply, res.Role)
	require.Equal(t, parent, *res.Parent)
}

func TestResolveExplicitReplyFieldOnReactionPort(t *testing.T) {
	parent := mesh.PacketID(0x1111)
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortReaction, Text: "👍", ReplyID: &parent}
	res := resolve(p, nil, time.Time{}, nil)
	require.Equal(t, mesh.RoleReaction, res.Role)
	require.Equal(t, parent, *res.Parent)
}

func TestResolveDeepLinkageScan(t *testing.T) {
	p := mesh.Packet{
		ID:   0x2222,
		Port: mesh.PortText,
		Text: "re: hi",
		Decoded: map[string]any{
			"reaction": map[string]any{
				"replyId": uint32(0x3333),
			},
		},
	}
	res := resolve(p, nil, time.Time{}, nil)
	require.Equal(t, mesh.RoleReply, res.Role)
	require.Equal(t, mesh.PacketID(0x3333), *res.Parent)
}

func TestResolveLegacyTextualReaction(t *testing.T) {
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "[Reaction to !00001111]: 👍"}
	res := resolve(p, nil, time.Time{}, func(mesh.PacketID) bool { return false })
	require.Equal(t, mesh.RoleReaction, res.Role)
	require.Equal(t, mesh.PacketID(0x00001111), *res.Parent)
}

func TestResolveLegacyTextualReactionSuppressedForOwnEcho(t *testing.T) {
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "[Reaction to !00001111]: 👍"}
	res := resolve(p, nil, time.Time{}, func(id mesh.PacketID) bool { return id == 0x00001111 })
	require.Equal(t, mesh.RoleNew, res.Role)
}

func TestResolveEmojiOnlyHeuristic(t *testing.T) {
	last := mesh.PacketID(0x1111)
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "👍"}
	res := resolve(p, &last, time.Now(), nil)
	require.Equal(t, mesh.RoleReaction, res.Role)
	require.Equal(t, last, *res.Parent)
}

func TestResolveEmojiOnlyHeuristicExpiresOutsideWindow(t *testing.T) {
	last := mesh.PacketID(0x1111)
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "👍"}
	res := resolve(p, &last, time.Now().Add(-20*time.Minute), nil)
	require.Equal(t, mesh.RoleNew, res.Role)
}

func TestResolveHeuristicNeverOverridesPresentReplyField(t *testing.T) {
	unknown := mesh.PacketID(0x9999)
	last := mesh.PacketID(0x1111)
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "👍", ReplyID: &unknown}
	res := resolve(p, &last, time.Now(), nil)
	require.Equal(t, mesh.RoleReply, res.Role)
	require.Equal(t, unknown, *res.Parent)
}

func TestResolveDefaultsToNew(t *testing.T) {
	p := mesh.Packet{ID: 0x2222, Port: mesh.PortText, Text: "just a normal message"}
	res := resolve(p, nil, time.Time{}, nil)
	require.Equal(t, mesh.RoleNew, res.Role)
	require.Nil(t, res.Parent)
}
