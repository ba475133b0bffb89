package meshsource

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// frameStart1/frameStart2 are the magic bytes Meshtastic's stream API
// prefixes every framed protobuf with (radio TCP/serial API).
const (
	frameStart1 = 0x94
	frameStart2 = 0xc3
	maxFrameLen = 512
)

// LANSource dials a locally attached radio's TCP API port and feeds decoded
// packets to the bridge, reconnecting with backoff on a broken connection
// (§6 mesh source contract, second implementation).
type LANSource struct {
	addr     string
	log      *slog.Logger
	onPacket Handler
	onNode   NodeInfoHandler

	conn     net.Conn
	packetID uint32
}

// NewLANSource constructs a source bound to host:port.
func NewLANSource(addr string, onPacket Handler, onNode NodeInfoHandler, log *slog.Logger) *LANSource {
	if log == nil {
		log = slog.Default()
	}
	return &LANSource{addr: addr, onPacket: onPacket, onNode: onNode, log: log, packetID: uint32(time.Now().UnixNano())}
}

// Run dials and reads frames until ctx is cancelled, reconnecting with
// exponential backoff (1s, 2s, 4s, ... cap 60s) on broken pipe, per §7.
func (s *LANSource) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", s.addr, 10*time.Second)
		if err != nil {
			s.log.Warn("lan radio connect failed, retrying", "addr", s.addr, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			continue
		}

		s.log.Info("connected to lan radio", "addr", s.addr)
		backoff = time.Second
		s.conn = conn
		s.readLoop(ctx, conn)
		conn.Close()
	}
}

func (s *LANSource) readLoop(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.Warn("lan radio read failed", "error", err)
			}
			return
		}

		var fromRadio pb.FromRadio
		if err := proto.Unmarshal(frame, &fromRadio); err != nil {
			s.log.Debug("failed to decode FromRadio frame", "error", err)
			continue
		}

		packet := fromRadio.GetPacket()
		if packet == nil {
			continue
		}

		decoded := packet.GetDecoded()
		if decoded == nil {
			continue // the local radio's API only ever hands us decoded packets
		}

		stats := mesh.ReceptionStats{
			GatewayID: mesh.LANGatewayID,
			RSSI:      int(packet.GetRxRssi()),
			SNR:       float64(packet.GetRxSnr()),
			HopCount:  hopCount(packet),
			Timestamp: time.Now().Unix(),
		}

		p := toMeshPacket(packet, decoded, "", nil)
		if p.NodeInfo != nil && s.onNode != nil {
			s.onNode(*p.NodeInfo)
			continue
		}
		if s.onPacket != nil {
			s.onPacket(ctx, p, mesh.SourceLAN, stats)
		}
	}
}

// readFrame reads one length-prefixed protobuf frame off the stream API.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b1, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b1 != frameStart1 {
			continue
		}
		b2, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b2 != frameStart2 {
			continue
		}
		break
	}

	var lenBytes [2]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(lenBytes[:]))
	if length <= 0 || length > maxFrameLen {
		return nil, fmt.Errorf("meshsource: implausible frame length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame frames a ToRadio protobuf for the stream API.
func writeFrame(w io.Writer, payload []byte) error {
	header := []byte{frameStart1, frameStart2, byte(len(payload) >> 8), byte(len(payload))}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (s *LANSource) nextPacketID() uint32 {
	s.packetID++
	return s.packetID
}

// SendText implements MeshSink over the local radio connection: the radio
// itself assigns encryption and routing, so the bridge only has to frame a
// plain Data payload inside a ToRadio message.
func (s *LANSource) SendText(ctx context.Context, text string, channel int, replyID *mesh.PacketID) (mesh.PacketID, error) {
	data := &pb.Data{Portnum: pb.PortNum_TEXT_MESSAGE_APP, Payload: []byte(text)}
	if replyID != nil {
		data.ReplyId = uint32(*replyID)
	}
	return s.sendToRadio(data, channel)
}

// SendTapback implements MeshSink over the local radio connection.
// Tapbacks live on the dedicated REACTION port, not TEXT_MESSAGE_APP.
func (s *LANSource) SendTapback(ctx context.Context, target mesh.PacketID, emoji string, channel int) (mesh.PacketID, error) {
	data := &pb.Data{Portnum: pb.PortNum(mesh.PortReaction), Payload: []byte(emoji), ReplyId: uint32(target), Emoji: 1}
	return s.sendToRadio(data, channel)
}

func (s *LANSource) sendToRadio(data *pb.Data, channel int) (mesh.PacketID, error) {
	if s.conn == nil {
		return 0, fmt.Errorf("meshsource: lan radio not connected")
	}
	id := s.nextPacketID()
	pkt := &pb.MeshPacket{
		Id:      id,
		To:      uint32(mesh.BroadcastNodeID),
		Channel: uint32(channel),
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: data,
		},
	}
	toRadio := &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: pkt},
	}
	raw, err := proto.Marshal(toRadio)
	if err != nil {
		return 0, fmt.Errorf("meshsource: marshal ToRadio: %w", err)
	}
	if err := writeFrame(s.conn, raw); err != nil {
		return 0, fmt.Errorf("meshsource: write frame: %w", err)
	}
	return mesh.PacketID(id), nil
}
