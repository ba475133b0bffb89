package bridge

import (
	"fmt"
	"strings"
)

// maxPacketBytes is the mesh payload budget a single outbound text send may
// use (§4.5: "byte length ≤ 200").
const maxPacketBytes = 200

// stripQuotedFallback removes Matrix's quoted-reply fallback: one or more
// leading lines beginning with ">" followed by blank lines, which clients
// prepend to the body of a reply event.
func stripQuotedFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// splitForMesh splits text into parts whose UTF-8 byte length, including a
// "(i/N)" suffix when more than one part is needed, stays within
// maxPacketBytes. Splits land on rune boundaries so no codepoint (and in
// particular no multi-byte emoji) is torn across parts.
func splitForMesh(text string) []string {
	runes := []rune(text)

	chunks := chunkRunes(runes, maxPacketBytes)
	if len(chunks) <= 1 {
		return chunks
	}

	// The "(i/N)" suffix length depends on N, which depends on the chunk
	// count; re-chunk reserving room for the worst case suffix width of N,
	// repeating while the re-chunk produces more parts than were reserved for.
	n := len(chunks)
	for {
		suffixWidth := len(fmt.Sprintf(" (%d/%d)", n, n))
		budget := maxPacketBytes - suffixWidth
		if budget < 1 {
			budget = 1
		}
		chunks = chunkRunes(runes, budget)
		if len(chunks) <= n {
			break
		}
		n = len(chunks)
	}
	n = len(chunks)

	out := make([]string, n)
	for i, c := range chunks {
		out[i] = fmt.Sprintf("%s (%d/%d)", c, i+1, n)
	}
	return out
}

// chunkRunes greedily packs runes into strings whose UTF-8 encoding does
// not exceed maxBytes.
func chunkRunes(runes []rune, maxBytes int) []string {
	if len(runes) == 0 {
		return []string{""}
	}
	var chunks []string
	var cur strings.Builder
	curBytes := 0
	for _, r := range runes {
		rl := len(string(r))
		if curBytes+rl > maxBytes && cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curBytes = 0
		}
		cur.WriteRune(r)
		curBytes += rl
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
