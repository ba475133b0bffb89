// Package bridge implements the bridge state manager: the subsystem that
// correlates mesh packets observed from multiple sources, deduplicates
// them, aggregates reception statistics into a single evolving Matrix
// event, threads replies, and mirrors reactions in both directions.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// MeshSink is the mesh-side outbound contract (§6).
type MeshSink interface {
	SendText(ctx context.Context, text string, channel int, replyID *mesh.PacketID) (mesh.PacketID, error)
	SendTapback(ctx context.Context, target mesh.PacketID, emoji string, channel int) (mesh.PacketID, error)
}

// MatrixClient is the Matrix collaborator contract (§6).
type MatrixClient interface {
	PostMessage(ctx context.Context, bodyPlain, bodyHTML, inReplyToEventID string) (eventID string, err error)
	EditMessage(ctx context.Context, eventID, bodyPlain, bodyHTML string) error
	DisplayName(ctx context.Context, userID, roomID string) (string, error)
}

// Persistence is the external store contract (§6).
type Persistence interface {
	SaveMessageState(ctx context.Context, state *MessageState) error
	LoadAllMessageStates(ctx context.Context) ([]*MessageState, error)
	DeleteMessageState(ctx context.Context, id mesh.PacketID) error
}

// MatrixTextEvent is an inbound Matrix text message.
type MatrixTextEvent struct {
	EventID        string
	Sender         string
	Body           string
	InReplyToEvent string
}

// MatrixReactionEvent is an inbound Matrix tapback.
type MatrixReactionEvent struct {
	EventID       string
	Sender        string
	TargetEventID string
	Key           string
}

// MatrixEditEvent is an inbound Matrix edit (m.replace).
type MatrixEditEvent struct {
	EventID       string
	Sender        string
	TargetEventID string
	NewBody       string
}

// Config carries the tunables spec.md §6 enumerates for the core.
type Config struct {
	AllowedChannels    map[int]bool // empty/nil means "channel 0 only"
	DefaultChannel     int
	MaxAge             time.Duration
	MaxSize            int
	DrainTimeout       time.Duration
	PersistenceWorkers int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultChannel: 0,
		MaxAge:         24 * time.Hour,
		MaxSize:        10000,
		DrainTimeout:   5 * time.Second,
	}
}

// Bridge is the single coordinator owning all correlation state.
type Bridge struct {
	cfg      Config
	store    *Store
	mesh     MeshSink
	matrix   MatrixClient
	persist  Persistence
	names    NameResolver
	log      *slog.Logger

	mu            sync.Mutex
	lastSeen      map[int]mesh.PacketID
	lastSeenAt    map[int]time.Time
	outgoing      map[mesh.PacketID]struct{} // Matrix-originated packet_ids awaiting mesh echo
	reactionDedup map[string]struct{}        // (event,emoji,user) triples already sent (EXPANSION §4.5)

	persistCh chan *MessageState
	wg        sync.WaitGroup
	closing   chan struct{}
}

// New constructs a Bridge over its four collaborators.
func New(cfg Config, sink MeshSink, matrix MatrixClient, persist Persistence, names NameResolver, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		cfg:           cfg,
		store:         NewStore(),
		mesh:          sink,
		matrix:        matrix,
		persist:       persist,
		names:         names,
		log:           log,
		lastSeen:      make(map[int]mesh.PacketID),
		lastSeenAt:    make(map[int]time.Time),
		outgoing:      make(map[mesh.PacketID]struct{}),
		reactionDedup: make(map[string]struct{}),
		persistCh:     make(chan *MessageState, 256),
		closing:       make(chan struct{}),
	}
	workers := cfg.PersistenceWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.persistWorker()
	}
	return b
}

// persistWorker drains persistCh off the event loop (§5: "Persistence
// workers execute database writes off the event loop").
func (b *Bridge) persistWorker() {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		select {
		case st, ok := <-b.persistCh:
			if !ok {
				return
			}
			if err := b.persist.SaveMessageState(ctx, st); err != nil {
				b.log.Warn("failed to persist message state", "packet_id", st.PacketID, "error", err)
			}
		case <-b.closing:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case st := <-b.persistCh:
					if err := b.persist.SaveMessageState(ctx, st); err != nil {
						b.log.Warn("failed to persist message state", "packet_id", st.PacketID, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) schedulePersist(st *MessageState) {
	select {
	case b.persistCh <- st:
	default:
		b.log.Warn("persistence queue full, dropping snapshot", "packet_id", st.PacketID)
	}
}

// Restore rehydrates the store from the external store and recomputes
// last_seen_packet_id per channel (§4.4, §4.6 "Restart recovery").
func (b *Bridge) Restore(ctx context.Context) error {
	states, err := b.persist.LoadAllMessageStates(ctx)
	if err != nil {
		return fmt.Errorf("bridge: restore: %w", err)
	}
	for _, st := range states {
		b.store.Put(st)
		b.mu.Lock()
		if cur, ok := b.lastSeenAt[st.ChannelIndex]; !ok || st.CreatedAt.After(cur) {
			b.lastSeen[st.ChannelIndex] = st.PacketID
			b.lastSeenAt[st.ChannelIndex] = st.CreatedAt
		}
		if st.IsMatrixOrigin {
			b.outgoing[st.PacketID] = struct{}{}
		}
		b.mu.Unlock()
	}
	return nil
}

// Shutdown stops the persistence workers after they flush their queued
// snapshots, waiting at most DrainTimeout or until ctx is done (§5). The
// lifecycle task is not owned by the Bridge; stop it with
// LifecycleManager.Stop.
func (b *Bridge) Shutdown(ctx context.Context) error {
	close(b.closing)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.DrainTimeout):
		b.log.Warn("shutdown drain timed out")
	case <-ctx.Done():
	}
	return nil
}

func (b *Bridge) channelAllowed(ch int) bool {
	if len(b.cfg.AllowedChannels) == 0 {
		return ch == 0
	}
	return b.cfg.AllowedChannels[ch]
}

func (b *Bridge) isOutgoingEcho(id mesh.PacketID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.outgoing[id]
	return ok
}

func (b *Bridge) updateLastSeen(ch int, id mesh.PacketID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen[ch] = id
	b.lastSeenAt[ch] = time.Now()
}

func (b *Bridge) lastSeenFor(ch int) (*mesh.PacketID, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.lastSeen[ch]
	if !ok {
		return nil, time.Time{}
	}
	return &id, b.lastSeenAt[ch]
}

// HandleMeshPacket is the inbound entrypoint (§4.1).
func (b *Bridge) HandleMeshPacket(ctx context.Context, p mesh.Packet, source mesh.Source, stats mesh.ReceptionStats) {
	// (a) Channel admission.
	if !b.channelAllowed(p.Channel) {
		return
	}

	if p.NodeInfo != nil {
		// Routed to the external name directory, not the message-state
		// store; the bridge has no further business with it.
		return
	}

	if p.Text == "" && p.Port != mesh.PortReaction {
		return
	}

	// (b) Concurrent-arrival serialisation.
	unlock := b.store.Lock(p.ID)
	defer unlock()

	lastSeen, lastSeenAt := b.lastSeenFor(p.Channel)
	res := resolve(p, lastSeen, lastSeenAt, b.isOutgoingEcho)

	existing := b.store.Get(p.ID)

	switch {
	case existing != nil:
		// (f) reception merge into the existing logical packet.
		b.mergeReception(ctx, existing, stats)

	case b.isOutgoingEcho(p.ID):
		// Matrix-originated packet echoed back: attach stats, no new event.
		st := b.store.Get(p.ID)
		if st == nil {
			return
		}
		b.mergeReception(ctx, st, stats)

	default:
		b.handleFirstSight(ctx, p, res, stats)
	}

	if res.Role != mesh.RoleReaction {
		b.updateLastSeen(p.Channel, p.ID)
	}
}

func (b *Bridge) handleFirstSight(ctx context.Context, p mesh.Packet, res resolution, stats mesh.ReceptionStats) {
	now := time.Now()
	st := &MessageState{
		PacketID:       p.ID,
		SenderNode:     p.From,
		ChannelIndex:   p.Channel,
		OriginalText:   p.Text,
		ParentPacketID: res.Parent,
		CreatedAt:      now,
		LastUpdateAt:   now,
	}
	st.AddReception(stats)

	switch res.Role {
	case mesh.RoleNew:
		body := renderMessage(st, b.names, b.store.Get)
		eventID, err := b.matrix.PostMessage(ctx, body.Plain, body.HTML, "")
		if err != nil {
			b.log.Warn("failed to post matrix message", "packet_id", p.ID, "error", err)
			return
		}
		st.MatrixEventID = eventID
		b.store.Put(st)

	case mesh.RoleReply:
		var inReplyTo string
		if res.Parent != nil {
			if parent := b.store.Get(*res.Parent); parent != nil {
				inReplyTo = parent.MatrixEventID
				parent.Replies = append(parent.Replies, p.ID)
				b.schedulePersist(parent)
			}
		}
		body := renderMessage(st, b.names, b.store.Get)
		eventID, err := b.matrix.PostMessage(ctx, body.Plain, body.HTML, inReplyTo)
		if err != nil {
			b.log.Warn("failed to post reply matrix message", "packet_id", p.ID, "error", err)
			return
		}
		st.MatrixEventID = eventID
		b.store.Put(st)

	case mesh.RoleReaction:
		// Reactions hold no Matrix event of their own (invariant 5); the
		// MessageState exists purely for bookkeeping.
		b.store.Put(st)
		if res.Parent == nil {
			return
		}
		parent := b.store.Get(*res.Parent)
		if parent == nil {
			// §9 open question: reference implementation drops silently.
			return
		}
		parent.Reactions = append(parent.Reactions, Reaction{Emoji: p.Text, Reactor: b.names.DisplayName(p.From), PacketID: p.ID})
		b.renderAndEdit(ctx, parent)
	}

	b.schedulePersist(st)
}

func (b *Bridge) mergeReception(ctx context.Context, st *MessageState, stats mesh.ReceptionStats) {
	added := st.AddReception(stats)
	st.LastUpdateAt = time.Now()
	if !added {
		return
	}
	if st.MatrixEventID != "" {
		b.renderAndEdit(ctx, st)
	}
	b.schedulePersist(st)
}

func (b *Bridge) renderAndEdit(ctx context.Context, st *MessageState) {
	if st.MatrixEventID == "" {
		return
	}
	body := renderMessage(st, b.names, b.store.Get)
	if err := b.matrix.EditMessage(ctx, st.MatrixEventID, body.Plain, body.HTML); err != nil {
		b.log.Warn("failed to edit matrix message", "event_id", st.MatrixEventID, "error", err)
		return
	}
	st.LastUpdateAt = time.Now()
	b.schedulePersist(st)
}

// HandleMatrixText is the outbound entrypoint for a room text message
// (§4.5). displayName is the Matrix room-specific/global/user-id name
// already resolved by the caller.
func (b *Bridge) HandleMatrixText(ctx context.Context, ev MatrixTextEvent, displayName string) {
	body := stripQuotedFallback(ev.Body)
	full := fmt.Sprintf("[%s]: %s", displayName, body)

	channel := b.cfg.DefaultChannel
	var replyID *mesh.PacketID
	if ev.InReplyToEvent != "" {
		if parent := b.store.GetByEvent(ev.InReplyToEvent); parent != nil {
			replyID = &parent.PacketID
			channel = parent.ChannelIndex
		}
	}

	parts := splitForMesh(full)
	var originEventID string
	for i, part := range parts {
		id, err := b.mesh.SendText(ctx, part, channel, replyID)
		if err != nil {
			b.log.Warn("failed to send text to mesh", "error", err)
			return
		}
		replyID = nil // only the first part carries the reply linkage

		now := time.Now()
		if i == 0 {
			originEventID = ev.EventID
		}
		st := &MessageState{
			PacketID:            id,
			SenderNode:          0,
			ChannelIndex:        channel,
			OriginalText:        part,
			IsMatrixOrigin:      true,
			MatrixOriginEventID: originEventID,
			CreatedAt:           now,
			LastUpdateAt:        now,
		}
		unlock := b.store.Lock(id)
		b.store.Put(st)
		b.mu.Lock()
		b.outgoing[id] = struct{}{}
		b.mu.Unlock()
		unlock()
		b.schedulePersist(st)
	}
}

// HandleMatrixReaction is the outbound entrypoint for a room reaction
// (§4.5).
func (b *Bridge) HandleMatrixReaction(ctx context.Context, ev MatrixReactionEvent) {
	parent := b.store.GetByEvent(ev.TargetEventID)
	if parent == nil {
		return // drop silently: no known mesh packet for this event
	}

	dedupKey := strings.Join([]string{ev.TargetEventID, ev.Key, ev.Sender}, "\x00")
	b.mu.Lock()
	_, already := b.reactionDedup[dedupKey]
	if !already {
		b.reactionDedup[dedupKey] = struct{}{}
	}
	b.mu.Unlock()
	if already {
		return // EXPANSION §4.5: suppress a redelivered identical reaction
	}

	id, err := b.mesh.SendTapback(ctx, parent.PacketID, ev.Key, parent.ChannelIndex)
	if err != nil {
		b.log.Warn("failed to send tapback to mesh", "error", err)
		return
	}
	_ = id
}

// HandleMatrixEdit is the outbound entrypoint for a room edit. The
// reference behaviour ignores edits since the mesh has no edit primitive
// (§4.5, §9 open question).
func (b *Bridge) HandleMatrixEdit(ctx context.Context, ev MatrixEditEvent) {
	b.log.Debug("ignoring matrix edit: mesh has no edit primitive", "event_id", ev.EventID)
}
