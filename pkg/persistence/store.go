// Package persistence is the external store backing the bridge's
// message-state snapshots and the NODEINFO-derived node name directory
// (§6 persistence contract). It wraps modernc.org/sqlite (pure Go, no
// cgo) through sqlx, schema-migrated with golang-migrate, following the
// repository-per-concern shape the teacher's pkg/store package uses.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/bridge"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the sqlx-backed SQLite store. It implements bridge.Persistence
// and the narrower node-name interface namedirectory consumes.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates it to the latest schema version.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; also
	// keeps the PRAGMA below in effect for every statement on this handle.

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: enable foreign keys: %w", err)
	}

	if err := migrateSchema(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateSchema(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type messageStateRow struct {
	PacketID            uint32 `db:"packet_id"`
	MatrixEventID       string `db:"matrix_event_id"`
	SenderNode          uint32 `db:"sender_node"`
	ChannelIndex        int    `db:"channel_index"`
	OriginalText        string `db:"original_text"`
	IsMatrixOrigin      bool   `db:"is_matrix_origin"`
	MatrixOriginEventID string `db:"matrix_origin_event_id"`
	ParentPacketID      *uint32 `db:"parent_packet_id"`
	CreatedAt           int64  `db:"created_at"`
	LastUpdateAt        int64  `db:"last_update_at"`
}

type receptionRow struct {
	PacketID  uint32  `db:"packet_id"`
	GatewayID string  `db:"gateway_id"`
	RSSI      int     `db:"rssi"`
	SNR       float64 `db:"snr"`
	HopCount  int     `db:"hop_count"`
	Timestamp int64   `db:"timestamp"`
}

type replyRow struct {
	ParentPacketID uint32 `db:"parent_packet_id"`
	ChildPacketID  uint32 `db:"child_packet_id"`
	Position       int    `db:"position"`
}

type reactionRow struct {
	PacketID         uint32 `db:"packet_id"`
	Emoji            string `db:"emoji"`
	Reactor          string `db:"reactor"`
	ReactionPacketID uint32 `db:"reaction_packet_id"`
}

// SaveMessageState implements bridge.Persistence: it replaces the state
// row and its child rows wholesale inside one transaction, the simplest
// approach that keeps reception_list/replies/reactions consistent with
// the in-memory MessageState (§4.1(h): "issued on a worker distinct from
// the event-loop thread").
func (s *Store) SaveMessageState(ctx context.Context, state *bridge.MessageState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	defer tx.Rollback()

	row := messageStateRow{
		PacketID:            uint32(state.PacketID),
		MatrixEventID:       state.MatrixEventID,
		SenderNode:          uint32(state.SenderNode),
		ChannelIndex:        state.ChannelIndex,
		OriginalText:        state.OriginalText,
		IsMatrixOrigin:      state.IsMatrixOrigin,
		MatrixOriginEventID: state.MatrixOriginEventID,
		CreatedAt:           state.CreatedAt.Unix(),
		LastUpdateAt:        state.LastUpdateAt.Unix(),
	}
	if state.ParentPacketID != nil {
		v := uint32(*state.ParentPacketID)
		row.ParentPacketID = &v
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO message_state
			(packet_id, matrix_event_id, sender_node, channel_index, original_text,
			 is_matrix_origin, matrix_origin_event_id, parent_packet_id, created_at, last_update_at)
		VALUES
			(:packet_id, :matrix_event_id, :sender_node, :channel_index, :original_text,
			 :is_matrix_origin, :matrix_origin_event_id, :parent_packet_id, :created_at, :last_update_at)
		ON CONFLICT (packet_id) DO UPDATE SET
			matrix_event_id = excluded.matrix_event_id,
			channel_index = excluded.channel_index,
			is_matrix_origin = excluded.is_matrix_origin,
			matrix_origin_event_id = excluded.matrix_origin_event_id,
			parent_packet_id = excluded.parent_packet_id,
			last_update_at = excluded.last_update_at
	`, row)
	if err != nil {
		return fmt.Errorf("persistence: upsert message_state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reception_stats WHERE packet_id = ?`, row.PacketID); err != nil {
		return fmt.Errorf("persistence: clear reception_stats: %w", err)
	}
	for _, r := range state.ReceptionList {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reception_stats (packet_id, gateway_id, rssi, snr, hop_count, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, row.PacketID, string(r.GatewayID), r.RSSI, r.SNR, r.HopCount, r.Timestamp)
		if err != nil {
			return fmt.Errorf("persistence: insert reception_stats: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_replies WHERE parent_packet_id = ?`, row.PacketID); err != nil {
		return fmt.Errorf("persistence: clear message_replies: %w", err)
	}
	for i, childID := range state.Replies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_replies (parent_packet_id, child_packet_id, position) VALUES (?, ?, ?)
		`, row.PacketID, uint32(childID), i)
		if err != nil {
			return fmt.Errorf("persistence: insert message_replies: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE packet_id = ?`, row.PacketID); err != nil {
		return fmt.Errorf("persistence: clear message_reactions: %w", err)
	}
	for _, r := range state.Reactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (packet_id, emoji, reactor, reaction_packet_id) VALUES (?, ?, ?, ?)
		`, row.PacketID, r.Emoji, r.Reactor, uint32(r.PacketID))
		if err != nil {
			return fmt.Errorf("persistence: insert message_reactions: %w", err)
		}
	}

	return tx.Commit()
}

// LoadAllMessageStates implements bridge.Persistence, rehydrating the full
// store on startup (§4.4, §4.6 "Restart recovery").
func (s *Store) LoadAllMessageStates(ctx context.Context) ([]*bridge.MessageState, error) {
	var rows []messageStateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM message_state`); err != nil {
		return nil, fmt.Errorf("persistence: select message_state: %w", err)
	}

	states := make(map[uint32]*bridge.MessageState, len(rows))
	for _, row := range rows {
		st := &bridge.MessageState{
			PacketID:            mesh.PacketID(row.PacketID),
			MatrixEventID:       row.MatrixEventID,
			SenderNode:          mesh.NodeID(row.SenderNode),
			ChannelIndex:        row.ChannelIndex,
			OriginalText:        row.OriginalText,
			IsMatrixOrigin:      row.IsMatrixOrigin,
			MatrixOriginEventID: row.MatrixOriginEventID,
			CreatedAt:           time.Unix(row.CreatedAt, 0),
			LastUpdateAt:        time.Unix(row.LastUpdateAt, 0),
		}
		if row.ParentPacketID != nil {
			p := mesh.PacketID(*row.ParentPacketID)
			st.ParentPacketID = &p
		}
		states[row.PacketID] = st
	}

	var receptions []receptionRow
	if err := s.db.SelectContext(ctx, &receptions, `SELECT * FROM reception_stats`); err != nil {
		return nil, fmt.Errorf("persistence: select reception_stats: %w", err)
	}
	for _, r := range receptions {
		st, ok := states[r.PacketID]
		if !ok {
			continue
		}
		st.AddReception(mesh.ReceptionStats{
			GatewayID: mesh.GatewayID(r.GatewayID),
			RSSI:      r.RSSI,
			SNR:       r.SNR,
			HopCount:  r.HopCount,
			Timestamp: r.Timestamp,
		})
	}

	var replies []replyRow
	if err := s.db.SelectContext(ctx, &replies, `SELECT * FROM message_replies ORDER BY parent_packet_id, position`); err != nil {
		return nil, fmt.Errorf("persistence: select message_replies: %w", err)
	}
	for _, r := range replies {
		if st, ok := states[r.ParentPacketID]; ok {
			st.Replies = append(st.Replies, mesh.PacketID(r.ChildPacketID))
		}
	}

	var reactions []reactionRow
	if err := s.db.SelectContext(ctx, &reactions, `SELECT * FROM message_reactions`); err != nil {
		return nil, fmt.Errorf("persistence: select message_reactions: %w", err)
	}
	for _, r := range reactions {
		if st, ok := states[r.PacketID]; ok {
			st.Reactions = append(st.Reactions, bridge.Reaction{
				Emoji:    r.Emoji,
				Reactor:  r.Reactor,
				PacketID: mesh.PacketID(r.ReactionPacketID),
			})
		}
	}

	out := make([]*bridge.MessageState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	return out, nil
}

// DeleteMessageState implements bridge.Persistence. Child rows cascade via
// foreign keys once the bridge's lifecycle manager evicts packet_id.
func (s *Store) DeleteMessageState(ctx context.Context, id mesh.PacketID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_state WHERE packet_id = ?`, uint32(id))
	if err != nil {
		return fmt.Errorf("persistence: delete message_state: %w", err)
	}
	return nil
}

// UpsertNodeName implements the name-directory's persistence half (§6).
func (s *Store) UpsertNodeName(ctx context.Context, id mesh.NodeID, short, long string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_names (node_id, short_name, long_name) VALUES (?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET short_name = excluded.short_name, long_name = excluded.long_name
	`, uint32(id), short, long)
	if err != nil {
		return fmt.Errorf("persistence: upsert node_names: %w", err)
	}
	return nil
}

// LookupNodeName implements the name-directory's persistence half (§6).
// It returns the long name, falling back to the short name, or an empty
// string if node_id is unknown.
func (s *Store) LookupNodeName(ctx context.Context, id mesh.NodeID) (string, error) {
	var row struct {
		ShortName string `db:"short_name"`
		LongName  string `db:"long_name"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT short_name, long_name FROM node_names WHERE node_id = ?`, uint32(id))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("persistence: select node_names: %w", err)
	}
	if row.LongName != "" {
		return row.LongName, nil
	}
	return row.ShortName, nil
}
