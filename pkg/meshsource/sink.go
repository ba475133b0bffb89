package meshsource

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/meshtastic-go/core/crypto"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
)

// MQTTSink publishes outbound packets onto the shared MQTT topic as a
// ServiceEnvelope, the same framing MQTTSource decodes (§6 mesh sink
// contract).
type MQTTSink struct {
	client     mqtt.Client
	topic      string
	selfNode   mesh.NodeID
	channelKey []byte
	channelID  string
	channel    uint32 // wire channel hash for the outbound channel
	packetID   uint32
}

// NewMQTTSink builds a sink bound to an already-connected MQTT client.
func NewMQTTSink(client mqtt.Client, topic string, selfNode mesh.NodeID, channelID string, channelKey []byte) (*MQTTSink, error) {
	hash, err := crypto.ChannelHash(channelID, channelKey)
	if err != nil {
		return nil, fmt.Errorf("meshsource: channel hash: %w", err)
	}
	return &MQTTSink{
		client:     client,
		topic:      topic,
		selfNode:   selfNode,
		channelKey: channelKey,
		channelID:  channelID,
		channel:    hash,
		packetID:   uint32(time.Now().UnixNano()),
	}, nil
}

func (s *MQTTSink) nextPacketID() uint32 {
	s.packetID++
	return s.packetID
}

func (s *MQTTSink) SendText(ctx context.Context, text string, channel int, replyID *mesh.PacketID) (mesh.PacketID, error) {
	data := &pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
	}
	if replyID != nil {
		data.ReplyId = uint32(*replyID)
	}
	return s.send(data)
}

func (s *MQTTSink) SendTapback(ctx context.Context, target mesh.PacketID, emoji string, channel int) (mesh.PacketID, error) {
	data := &pb.Data{
		Portnum: pb.PortNum(mesh.PortReaction), // tapbacks live on the dedicated REACTION port, not TEXT_MESSAGE_APP
		Payload: []byte(emoji),
		ReplyId: uint32(target),
		Emoji:   1,
	}
	return s.send(data)
}

func (s *MQTTSink) send(data *pb.Data) (mesh.PacketID, error) {
	rawData, err := proto.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("meshsource: marshal data: %w", err)
	}

	packetID := s.nextPacketID()
	encrypted, err := crypto.XOR(rawData, s.channelKey, packetID, uint32(s.selfNode))
	if err != nil {
		return 0, fmt.Errorf("meshsource: encrypt: %w", err)
	}

	pkt := &pb.MeshPacket{
		Id:       packetID,
		From:     uint32(s.selfNode),
		To:       uint32(mesh.BroadcastNodeID),
		Channel:  s.channel,
		HopLimit: 3,
		HopStart: 3,
		ViaMqtt:  true,
		RxTime:   uint32(time.Now().Unix()),
		PayloadVariant: &pb.MeshPacket_Encrypted{
			Encrypted: encrypted,
		},
	}

	env := &pb.ServiceEnvelope{
		Packet:    pkt,
		ChannelId: s.channelID,
		GatewayId: s.selfNode.String(),
	}

	rawEnv, err := proto.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("meshsource: marshal envelope: %w", err)
	}

	topic := fmt.Sprintf("%s/2/e/%s/%s", s.topic, s.channelID, s.selfNode.String())
	token := s.client.Publish(topic, 0, false, rawEnv)
	if token.Wait() && token.Error() != nil {
		return 0, fmt.Errorf("meshsource: publish: %w", token.Error())
	}

	return mesh.PacketID(packetID), nil
}
