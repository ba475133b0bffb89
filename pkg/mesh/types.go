// Package mesh holds the identifiers and wire-level shapes shared between
// the bridge core and its mesh-side collaborators.
package mesh

import "fmt"

// PacketID is the 32-bit identifier the mesh assigns to every packet. It is
// unique within a rolling window, not globally.
type PacketID uint32

func (p PacketID) String() string {
	return fmt.Sprintf("!%08x", uint32(p))
}

// NodeID identifies a radio on the mesh.
type NodeID uint32

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// BroadcastNodeID is the reserved "everyone" destination.
const BroadcastNodeID NodeID = 0xFFFFFFFF

// GatewayID identifies the radio that reported a reception: either the
// string form of a NodeID (an MQTT gateway) or LANGatewayID for the locally
// attached radio.
type GatewayID string

// LANGatewayID is the synthetic gateway identity used for receptions
// reported by the locally attached radio rather than relayed over MQTT.
const LANGatewayID GatewayID = "lan"

// Source identifies which collaborator observed an inbound packet.
type Source string

const (
	SourceMQTT Source = "mqtt"
	SourceLAN  Source = "lan"
)

// Role classifies an inbound packet for the bridge coordinator.
type Role int

const (
	RoleNew Role = iota
	RoleReply
	RoleReaction
)

func (r Role) String() string {
	switch r {
	case RoleReply:
		return "reply"
	case RoleReaction:
		return "reaction"
	default:
		return "new"
	}
}

// Port mirrors the Meshtastic application-port tags the resolver and text
// extractor care about. Values beyond these are treated opaquely.
type Port int

const (
	PortUnknown  Port = 0
	PortText     Port = 1
	PortNodeInfo Port = 4
	PortReaction Port = 68
)

// Packet is the decoded, source-agnostic shape the bridge coordinator
// consumes. Sources (MQTT, LAN) are responsible for producing one of these
// from whatever wire format they speak.
type Packet struct {
	ID        PacketID
	From      NodeID
	To        NodeID
	Channel   int
	Port      Port
	Text      string
	Payload   []byte
	HopStart  int
	HopLimit  int
	ReplyID   *PacketID
	IsEmoji   bool
	Decoded   map[string]any
	NodeInfo  *NodeInfo
}

// NodeInfo is the short/long name pair carried by a NODEINFO packet.
type NodeInfo struct {
	NodeID    NodeID
	ShortName string
	LongName  string
}

// HopCount is hop_start - hop_limit at the receiving node; 0 means direct
// reception.
func (p Packet) HopCount() int {
	hc := p.HopStart - p.HopLimit
	if hc < 0 {
		return 0
	}
	return hc
}

// ReceptionStats is one gateway's observation of a packet.
type ReceptionStats struct {
	GatewayID GatewayID
	RSSI      int
	SNR       float64
	HopCount  int
	Timestamp int64
}
