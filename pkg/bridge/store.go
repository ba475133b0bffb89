package bridge

import (
	"sync"
	"time"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// MessageState is the bridge's record of one logical mesh packet it has
// surfaced to Matrix, or is about to.
type MessageState struct {
	PacketID            mesh.PacketID
	MatrixEventID       string
	SenderNode          mesh.NodeID
	ChannelIndex        int
	OriginalText        string
	ReceptionList       []mesh.ReceptionStats
	receptionSeen       map[mesh.GatewayID]struct{}
	IsMatrixOrigin      bool
	MatrixOriginEventID string
	ParentPacketID      *mesh.PacketID
	Replies             []mesh.PacketID
	Reactions           []Reaction
	CreatedAt           time.Time
	LastUpdateAt        time.Time
}

// Reaction is one tapback observed against a MessageState that carries no
// Matrix event of its own (§4.1(g): reactions mutate their parent instead).
type Reaction struct {
	Emoji    string
	Reactor  string
	PacketID mesh.PacketID
}

// AddReception inserts stats for gateway_id iff not already present,
// satisfying invariant 3 (unique gateway_id in reception_list).
func (m *MessageState) AddReception(s mesh.ReceptionStats) bool {
	if m.receptionSeen == nil {
		m.receptionSeen = make(map[mesh.GatewayID]struct{})
	}
	if _, ok := m.receptionSeen[s.GatewayID]; ok {
		return false
	}
	m.receptionSeen[s.GatewayID] = struct{}{}
	m.ReceptionList = append(m.ReceptionList, s)
	return true
}

// HasGateway reports whether gateway_id has already reported this packet.
func (m *MessageState) HasGateway(g mesh.GatewayID) bool {
	if m.receptionSeen == nil {
		return false
	}
	_, ok := m.receptionSeen[g]
	return ok
}

// Store is the in-memory message-state index: packet_id -> MessageState,
// plus the secondary matrix_event_id -> packet_id mapping used for
// Matrix-inbound lookups. The mutex guards both indexes against concurrent
// access from the mesh source goroutines, the Matrix handlers and the
// lifecycle task.
type Store struct {
	mu       sync.Mutex
	byPacket map[mesh.PacketID]*MessageState
	byEvent  map[string]mesh.PacketID
	stripes  [256]sync.Mutex
}

// NewStore creates an empty message-state store.
func NewStore() *Store {
	return &Store{
		byPacket: make(map[mesh.PacketID]*MessageState),
		byEvent:  make(map[string]mesh.PacketID),
	}
}

// stripe returns the coordination lock for packet_id (§4.1(b), §9 "striped
// mutex keyed by packet_id % stripes").
func (s *Store) stripe(id mesh.PacketID) *sync.Mutex {
	return &s.stripes[uint32(id)%uint32(len(s.stripes))]
}

// Lock acquires the per-packet_id coordination primitive. The caller must
// call the returned unlock func exactly once.
func (s *Store) Lock(id mesh.PacketID) func() {
	m := s.stripe(id)
	m.Lock()
	return m.Unlock
}

// Get returns the state for packet_id, or nil.
func (s *Store) Get(id mesh.PacketID) *MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPacket[id]
}

// GetByEvent returns the state whose matrix_event_id is eventID, or nil.
func (s *Store) GetByEvent(eventID string) *MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEvent[eventID]
	if !ok {
		return nil
	}
	return s.byPacket[id]
}

// Put inserts a new state. It panics if packet_id is already present:
// callers must mutate in place instead (§4.4, invariant 1).
func (s *Store) Put(state *MessageState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPacket[state.PacketID]; exists {
		panic("bridge: duplicate packet_id inserted into message-state store: " + state.PacketID.String())
	}
	s.byPacket[state.PacketID] = state
	if state.MatrixEventID != "" {
		s.byEvent[state.MatrixEventID] = state.PacketID
	}
}

// BindEvent records matrix_event_id for an already-stored state. Invariant
// 2 requires this happen exactly once, on first creation.
func (s *Store) BindEvent(id mesh.PacketID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent[eventID] = id
}

// Evict removes packet_id from both indexes. Children are not cascaded:
// their parent_packet_id becomes dangling, rendered without threading.
func (s *Store) Evict(id mesh.PacketID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byPacket[id]
	if !ok {
		return
	}
	delete(s.byPacket, id)
	if st.MatrixEventID != "" {
		delete(s.byEvent, st.MatrixEventID)
	}
}

// Snapshot returns every state currently held, in no particular order.
func (s *Store) Snapshot() []*MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MessageState, 0, len(s.byPacket))
	for _, st := range s.byPacket {
		out = append(out, st)
	}
	return out
}

// Len reports the number of entries currently in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPacket)
}
