package bridge

import (
	"testing"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
	"github.com/stretchr/testify/require"
)

func TestStorePutRejectsDuplicatePacketID(t *testing.T) {
	s := NewStore()
	s.Put(&MessageState{PacketID: 0x1111, MatrixEventID: "$a"})
	require.Panics(t, func() {
		s.Put(&MessageState{PacketID: 0x1111, MatrixEventID: "$b"})
	})
}

func TestStoreGetByEvent(t *testing.T) {
	s := NewStore()
	s.Put(&MessageState{PacketID: 0x1111, MatrixEventID: "$a"})
	require.Equal(t, mesh.PacketID(0x1111), mustGet(t, s, "$a").PacketID)
	require.Nil(t, s.GetByEvent("$missing"))
}

func TestStoreEvictDropsBothIndexes(t *testing.T) {
	s := NewStore()
	s.Put(&MessageState{PacketID: 0x1111, MatrixEventID: "$a"})
	s.Evict(0x1111)
	require.Nil(t, s.Get(0x1111))
	require.Nil(t, s.GetByEvent("$a"))
}

func TestMessageStateAddReceptionUniqueGateway(t *testing.T) {
	m := &MessageState{PacketID: 0x1111}
	require.True(t, m.AddReception(mesh.ReceptionStats{GatewayID: "gw1"}))
	require.False(t, m.AddReception(mesh.ReceptionStats{GatewayID: "gw1"}))
	require.True(t, m.AddReception(mesh.ReceptionStats{GatewayID: "gw2"}))
	require.Len(t, m.ReceptionList, 2)
}

func mustGet(t *testing.T, s *Store, eventID string) *MessageState {
	t.Helper()
	st := s.GetByEvent(eventID)
	require.NotNil(t, st)
	return st
}
