package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// fakeNames renders unknown nodes as their !hex form and unknown gateways
// as their raw gateway id string.
type fakeNames struct {
	mu       sync.Mutex
	nodes    map[mesh.NodeID]string
	gateways map[mesh.GatewayID]string
}

func newFakeNames() *fakeNames {
	return &fakeNames{nodes: map[mesh.NodeID]string{}, gateways: map[mesh.GatewayID]string{}}
}

func (f *fakeNames) DisplayName(id mesh.NodeID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		return n
	}
	return id.String()
}

func (f *fakeNames) GatewayDisplayName(id mesh.GatewayID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.gateways[id]; ok {
		return n
	}
	return string(id)
}

// fakeMatrix records every post/edit call for assertions.
type fakeMatrix struct {
	mu       sync.Mutex
	posts    []string // bodies posted, in order
	edits    map[string][]string
	nextID   int
	replyIDs []string
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{edits: map[string][]string{}}
}

func (f *fakeMatrix) PostMessage(ctx context.Context, plain, html, inReplyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("$event%d", f.nextID)
	f.posts = append(f.posts, plain)
	f.replyIDs = append(f.replyIDs, inReplyTo)
	return id, nil
}

func (f *fakeMatrix) EditMessage(ctx context.Context, eventID, plain, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[eventID] = append(f.edits[eventID], plain)
	return nil
}

func (f *fakeMatrix) DisplayName(ctx context.Context, userID, roomID string) (string, error) {
	return userID, nil
}

func (f *fakeMatrix) editCount(eventID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits[eventID])
}

func (f *fakeMatrix) lastBody(eventID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	edits := f.edits[eventID]
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1]
}

// fakeMeshSink records every outbound send and hands out sequential ids.
type fakeMeshSink struct {
	mu       sync.Mutex
	nextID   uint32
	texts    []string
	tapbacks []mesh.PacketID
}

func newFakeMeshSink() *fakeMeshSink {
	return &fakeMeshSink{nextID: 0x9000}
}

func (f *fakeMeshSink) SendText(ctx context.Context, text string, channel int, replyID *mesh.PacketID) (mesh.PacketID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.texts = append(f.texts, text)
	return mesh.PacketID(f.nextID), nil
}

func (f *fakeMeshSink) SendTapback(ctx context.Context, target mesh.PacketID, emoji string, channel int) (mesh.PacketID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.tapbacks = append(f.tapbacks, target)
	return mesh.PacketID(f.nextID), nil
}

// fakePersistence is an in-memory stand-in for the SQLite store.
type fakePersistence struct {
	mu     sync.Mutex
	states map[mesh.PacketID]*MessageState
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{states: map[mesh.PacketID]*MessageState{}}
}

func (f *fakePersistence) SaveMessageState(ctx context.Context, state *MessageState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	f.states[state.PacketID] = &cp
	return nil
}

func (f *fakePersistence) LoadAllMessageStates(ctx context.Context) ([]*MessageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MessageState, 0, len(f.states))
	for _, st := range f.states {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakePersistence) DeleteMessageState(ctx context.Context, id mesh.PacketID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
	return nil
}

func newTestBridge() (*Bridge, *fakeMeshSink, *fakeMatrix, *fakePersistence, *fakeNames) {
	sink := newFakeMeshSink()
	matrix := newFakeMatrix()
	persist := newFakePersistence()
	names := newFakeNames()
	b := New(DefaultConfig(), sink, matrix, persist, names, nil)
	return b, sink, matrix, persist, names
}
