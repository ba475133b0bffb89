package bridge

import (
	"regexp"
	"strconv"
	"time"
	"unicode"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// correlationWindow bounds how recent last_seen_packet_id must be for the
// emoji-only heuristic to apply (§4.3 rule 4; window proposed in §9 open
// questions since the source does not state one explicitly).
const correlationWindow = 10 * time.Minute

var deepLinkFieldName = regexp.MustCompile(`(?i)reply.?id|reference.?id`)

var legacyReactionForm = regexp.MustCompile(`^\[Reaction to (![0-9a-fA-F]{8})\]: (.+)$`)

// resolution is the (role, parent) pair the resolver produces.
type resolution struct {
	Role   mesh.Role
	Parent *mesh.PacketID
}

// resolve classifies an inbound packet per §4.3's ordered rule set.
// lastSeen is the most recent packet_id observed on the same channel,
// or nil if none has been seen yet. isOutgoingEcho reports whether a hex
// id names a Matrix-originated packet still tracked in the outgoing
// registry, used to suppress the bridge's own legacy-form tapback echoes.
func resolve(p mesh.Packet, lastSeen *mesh.PacketID, lastSeenAt time.Time, isOutgoingEcho func(mesh.PacketID) bool) resolution {
	// Rule 1: explicit reply field.
	if p.ReplyID != nil && *p.ReplyID != 0 {
		if p.Port == mesh.PortReaction {
			return resolution{Role: mesh.RoleReaction, Parent: p.ReplyID}
		}
		return resolution{Role: mesh.RoleReply, Parent: p.ReplyID}
	}

	// Rule 2: deep linkage scan, bounded depth per §9.
	if parent, ok := deepScanReplyID(p.Decoded, 4); ok {
		role := mesh.RoleReply
		if p.Port == mesh.PortReaction {
			role = mesh.RoleReaction
		}
		return resolution{Role: role, Parent: &parent}
	}

	// Rule 3: legacy textual reaction form.
	if m := legacyReactionForm.FindStringSubmatch(p.Text); m != nil {
		hex := m[1]
		if parsed, err := parseHexNodeID(hex); err == nil {
			parent := mesh.PacketID(parsed)
			if isOutgoingEcho == nil || !isOutgoingEcho(parent) {
				return resolution{Role: mesh.RoleReaction, Parent: &parent}
			}
		}
	}

	// Rule 4: heuristic emoji-only text with a recent, known last-seen id.
	if isEmojiOnly(p.Text) && lastSeen != nil && time.Since(lastSeenAt) <= correlationWindow {
		parent := *lastSeen
		return resolution{Role: mesh.RoleReaction, Parent: &parent}
	}

	return resolution{Role: mesh.RoleNew}
}

// deepScanReplyID recursively walks decoded for a field whose name matches
// /reply.?id/i or /reference.?id/i carrying a non-zero integer value.
func deepScanReplyID(decoded map[string]any, depth int) (mesh.PacketID, bool) {
	if decoded == nil || depth <= 0 {
		return 0, false
	}
	for key, val := range decoded {
		if deepLinkFieldName.MatchString(key) {
			if id, ok := asNonZeroUint32(val); ok {
				return mesh.PacketID(id), true
			}
		}
		if nested, ok := val.(map[string]any); ok {
			if id, ok := deepScanReplyID(nested, depth-1); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func asNonZeroUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, n != 0
	case uint64:
		return uint32(n), n != 0
	case int:
		return uint32(n), n != 0
	case int32:
		return uint32(n), n != 0
	case int64:
		return uint32(n), n != 0
	case float64:
		return uint32(n), n != 0
	}
	return 0, false
}

func parseHexNodeID(hex string) (uint64, error) {
	return strconv.ParseUint(hex[1:], 16, 32)
}

// isEmojiOnly reports whether text consists entirely of emoji/symbol
// runes and whitespace, with at least one non-whitespace rune.
func isEmojiOnly(text string) bool {
	seenNonSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		seenNonSpace = true
		if !isEmojiRune(r) {
			return false
		}
	}
	return seenNonSpace
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2190 && r <= 0x21FF: // arrows, used by some tapback sets
		return true
	case r == 0x2764 || r == 0x2B50 || r == 0xFE0F: // heart, star, variation selector
		return true
	}
	return false
}
