// Package namedirectory maintains the NODEINFO-derived mapping from mesh
// node/gateway identifiers to display names, implementing bridge.NameResolver.
// It is a read-through cache over the persistence layer's node_names table,
// the same two-tier shape the teacher's pkg/store uses for its gatewayCache.
package namedirectory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// nameCacheTTL bounds how long a resolved name is trusted before a fresh
// lookup is issued, so a renamed node converges without a restart.
const nameCacheTTL = 30 * time.Minute

// Backend is the persistence dependency: node_names read/write.
type Backend interface {
	UpsertNodeName(ctx context.Context, id mesh.NodeID, short, long string) error
	LookupNodeName(ctx context.Context, id mesh.NodeID) (string, error)
}

// Directory resolves node and gateway display names, falling back to the
// !hex form for nodes it has never seen a NODEINFO packet or DB row for.
type Directory struct {
	backend Backend
	cache   *ttlcache.Cache[mesh.NodeID, string]
	log     *slog.Logger
}

// New constructs a directory backed by store.
func New(backend Backend, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	cache := ttlcache.New[mesh.NodeID, string](
		ttlcache.WithTTL[mesh.NodeID, string](nameCacheTTL),
	)
	go cache.Start()
	return &Directory{backend: backend, cache: cache, log: log}
}

// Close stops the cache's background eviction goroutine.
func (d *Directory) Close() {
	d.cache.Stop()
}

// DisplayName implements bridge.NameResolver. A miss in both cache and
// backend falls back to the node's !hex form rather than an error, since
// rendering must never block on an unknown node (§4.2).
func (d *Directory) DisplayName(id mesh.NodeID) string {
	if id == mesh.BroadcastNodeID {
		return "Everyone"
	}
	if item := d.cache.Get(id); item != nil {
		return item.Value()
	}

	name, err := d.backend.LookupNodeName(context.Background(), id)
	if err != nil {
		d.log.Warn("name directory lookup failed", "node", id, "error", err)
		return id.String()
	}
	if name == "" {
		return id.String()
	}
	d.cache.Set(id, name, ttlcache.DefaultTTL)
	return name
}

// GatewayDisplayName implements bridge.NameResolver. Gateways are just
// nodes from the recipient's point of view, except the synthetic LAN
// gateway, which has no mesh node identity.
func (d *Directory) GatewayDisplayName(id mesh.GatewayID) string {
	if id == mesh.LANGatewayID {
		return "local radio"
	}
	nodeID, err := parseGatewayNodeID(id)
	if err != nil {
		return string(id)
	}
	return d.DisplayName(nodeID)
}

func parseGatewayNodeID(id mesh.GatewayID) (mesh.NodeID, error) {
	var n uint32
	_, err := fmt.Sscanf(string(id), "!%08x", &n)
	if err != nil {
		return 0, err
	}
	return mesh.NodeID(n), nil
}

// Observe records (or refreshes) a node's name from a decoded NODEINFO
// packet (§3: NODEINFO packets populate the directory; they never reach
// the bridge core itself). Empty names are ignored so a malformed packet
// cannot blank out a previously-known name.
func (d *Directory) Observe(ctx context.Context, info mesh.NodeInfo) {
	if info.ShortName == "" && info.LongName == "" {
		return
	}
	if err := d.backend.UpsertNodeName(ctx, info.NodeID, info.ShortName, info.LongName); err != nil {
		d.log.Warn("name directory upsert failed", "node", info.NodeID, "error", err)
		return
	}
	name := info.LongName
	if name == "" {
		name = info.ShortName
	}
	d.cache.Set(info.NodeID, name, ttlcache.DefaultTTL)
}
