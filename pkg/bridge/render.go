package bridge

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// NameResolver resolves node/gateway display names, falling back to the
// !hex form when unknown. This is the bridge's view of the external name
// directory (§6: "explicitly out of scope ... the NODEINFO-derived name
// directory").
type NameResolver interface {
	DisplayName(id mesh.NodeID) string
	GatewayDisplayName(id mesh.GatewayID) string
}

// renderedBody is the plain/HTML pair produced together for a single
// Matrix post or edit (§4.2: "HTML and plain-text variants are produced
// together").
type renderedBody struct {
	Plain string
	HTML  string
}

// lookupFunc resolves a child packet_id to its current MessageState, or nil
// if it has been evicted (§9: a missing child is omitted from rendering).
type lookupFunc func(mesh.PacketID) *MessageState

// renderMessage renders the current state deterministically: identical
// MessageState always yields an identical body.
func renderMessage(m *MessageState, names NameResolver, lookup lookupFunc) renderedBody {
	if m.IsMatrixOrigin {
		return renderCompact(m, names)
	}
	return renderFull(m, names, lookup)
}

func renderFull(m *MessageState, names NameResolver, lookup lookupFunc) renderedBody {
	sender := names.DisplayName(m.SenderNode)
	stats := renderStats(m.ReceptionList, names)

	var plain strings.Builder
	fmt.Fprintf(&plain, "%s: %s\n(Received by: %s)", sender, m.OriginalText, stats)

	var htmlBody strings.Builder
	fmt.Fprintf(&htmlBody, "<p>%s: %s</p><p>(Received by: %s)</p>",
		html.EscapeString(sender), html.EscapeString(m.OriginalText), html.EscapeString(stats))

	if block := renderReplyBlock(m, names, lookup); block != "" {
		plain.WriteString("\n")
		plain.WriteString(block)
		htmlBody.WriteString("<blockquote>")
		htmlBody.WriteString(strings.ReplaceAll(html.EscapeString(block), "\n", "<br/>"))
		htmlBody.WriteString("</blockquote>")
	}

	return renderedBody{Plain: plain.String(), HTML: htmlBody.String()}
}

// renderCompact is the rendering variant for Matrix-originated messages:
// only the stats line, since the text already lives in the user's own
// Matrix message (§4.2, GLOSSARY "Compact mode").
func renderCompact(m *MessageState, names NameResolver) renderedBody {
	stats := renderStats(m.ReceptionList, names)
	plain := fmt.Sprintf("(Received by: %s)", stats)
	htmlBody := fmt.Sprintf("<p>(Received by: %s)</p>", html.EscapeString(stats))
	return renderedBody{Plain: plain, HTML: htmlBody}
}

// renderStats joins per-gateway entries with ", " in the order they were
// recorded (§8 invariant 2: order of aggregation is arrival order for
// rendering, though the resulting set is order-independent).
func renderStats(list []mesh.ReceptionStats, names NameResolver) string {
	entries := make([]string, 0, len(list))
	for _, s := range list {
		name := names.GatewayDisplayName(s.GatewayID)
		var metric string
		if s.HopCount == 0 {
			metric = fmt.Sprintf("%ddB", -abs(s.RSSI))
		} else {
			metric = fmt.Sprintf("%d hops", s.HopCount)
		}
		entries = append(entries, fmt.Sprintf("%s (%s)", name, metric))
	}
	return strings.Join(entries, ", ")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// renderReplyBlock renders the indented reply/reaction lines that follow a
// message body (§4.2).
func renderReplyBlock(m *MessageState, names NameResolver, lookup lookupFunc) string {
	var lines []string
	for _, childID := range m.Replies {
		child := lookup(childID)
		if child == nil {
			continue // missing child: omitted per §9 "cyclic reply references"
		}
		stats := renderStats(child.ReceptionList, names)
		sender := names.DisplayName(child.SenderNode)
		lines = append(lines, fmt.Sprintf("  ↳ %s: %s (%s)", sender, child.OriginalText, stats))
	}
	if block := renderReactionSummary(m.Reactions, names); block != "" {
		lines = append(lines, block)
	}
	return strings.Join(lines, "\n")
}

// renderReactionSummary aggregates reactions by emoji: "  ↳ <emoji> — <reactor1>, <reactor2>, …"
func renderReactionSummary(reactions []Reaction, names NameResolver) string {
	if len(reactions) == 0 {
		return ""
	}
	byEmoji := make(map[string][]string)
	var order []string
	for _, r := range reactions {
		if _, ok := byEmoji[r.Emoji]; !ok {
			order = append(order, r.Emoji)
		}
		byEmoji[r.Emoji] = append(byEmoji[r.Emoji], r.Reactor)
	}
	sort.Strings(order)
	var lines []string
	for _, emoji := range order {
		lines = append(lines, fmt.Sprintf("  ↳ %s — %s", emoji, strings.Join(byEmoji[emoji], ", ")))
	}
	return strings.Join(lines, "\n")
}
