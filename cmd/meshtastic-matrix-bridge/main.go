// Command meshtastic-matrix-bridge runs the bidirectional Meshtastic
// mesh <-> Matrix chat bridge: it loads configuration from the
// environment, wires the mesh sources, Matrix client, and SQLite store
// into a bridge.Bridge, and serves until terminated (§5 lifecycle).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/meshtastic-matrix-bridge/pkg/bridge"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/config"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/matrixclient"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/mesh"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/meshsource"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/namedirectory"
	"github.com/kabili207/meshtastic-matrix-bridge/pkg/persistence"
)

func main() {
	log := slog.New(slogcolor.NewHandler(os.Stderr, slogcolor.DefaultOptions))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// forwarder lets the mesh sources be constructed before the Bridge they
// feed exists: sources capture a pointer to this struct's Handle method,
// which starts out a no-op and is pointed at bridge.HandleMeshPacket once
// the bridge is built.
type forwarder struct {
	handle meshsource.Handler
}

func (f *forwarder) Handle(ctx context.Context, p mesh.Packet, source mesh.Source, stats mesh.ReceptionStats) {
	if f.handle != nil {
		f.handle(ctx, p, source, stats)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := persistence.Open(cfg.NodeDBPath)
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	defer store.Close()

	names := namedirectory.New(store, log.With("component", "namedirectory"))
	defer names.Close()

	onNode := func(info mesh.NodeInfo) {
		names.Observe(ctx, info)
	}

	matrixClient, err := matrixclient.New(ctx, matrixclient.Config{
		Homeserver:  cfg.MatrixHomeserver,
		UserID:      cfg.MatrixUser,
		Password:    cfg.MatrixPassword,
		AccessToken: cfg.MatrixToken,
		RoomID:      cfg.MatrixRoom,
	}, log.With("component", "matrixclient"))
	if err != nil {
		return fmt.Errorf("matrixclient: %w", err)
	}

	fwd := &forwarder{}

	var sink bridge.MeshSink
	var starters []func(context.Context) error
	var stoppers []func()

	if cfg.MeshtasticHost != "" {
		lanSrc := meshsource.NewLANSource(cfg.MeshtasticHost, fwd.Handle, onNode, log.With("source", "lan"))
		sink = lanSrc
		starters = append(starters, func(ctx context.Context) error {
			go lanSrc.Run(ctx)
			return nil
		})
	}

	if cfg.MQTTBroker != "" {
		mqttSrc := meshsource.NewMQTTSource(meshsource.MQTTConfig{
			Broker:     cfg.MQTTBroker,
			Port:       cfg.MQTTPort,
			User:       cfg.MQTTUser,
			Password:   cfg.MQTTPassword,
			Topic:      cfg.MQTTTopic,
			ChannelKey: []byte(cfg.MQTTPSK),
			ChannelIdx: cfg.MeshtasticChannelIdx,
		}, fwd.Handle, onNode, log.With("source", "mqtt"))

		starters = append(starters, mqttSrc.Start)
		stoppers = append(stoppers, mqttSrc.Stop)

		if sink == nil {
			mqttOpts := mqtt.NewClientOptions().
				AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort)).
				SetClientID(fmt.Sprintf("meshtastic-matrix-bridge-sink-%d", time.Now().UnixNano())).
				SetUsername(cfg.MQTTUser).
				SetPassword(cfg.MQTTPassword).
				SetAutoReconnect(true)
			sinkClient := mqtt.NewClient(mqttOpts)
			if token := sinkClient.Connect(); token.Wait() && token.Error() != nil {
				return fmt.Errorf("mqtt sink connect: %w", token.Error())
			}
			stoppers = append(stoppers, func() { sinkClient.Disconnect(250) })

			mqttSink, err := meshsource.NewMQTTSink(sinkClient, cfg.MQTTTopic, selfNodeID(cfg), primaryChannelName(cfg), []byte(cfg.MQTTPSK))
			if err != nil {
				return fmt.Errorf("mqtt sink: %w", err)
			}
			sink = mqttSink
		}
	}

	if sink == nil {
		return fmt.Errorf("no mesh source configured: set MQTT_BROKER or MESHTASTIC_HOST")
	}

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.AllowedChannels = cfg.AllowedChannelSet()
	bridgeCfg.MaxAge = cfg.MessageStateMaxAge
	bridgeCfg.MaxSize = cfg.MessageStateMaxSize

	br := bridge.New(bridgeCfg, sink, matrixClient, store, names, log.With("component", "bridge"))
	fwd.handle = br.HandleMeshPacket

	if err := br.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	lifecycle := bridge.NewLifecycleManager(br, time.Minute)
	lifecycle.Start(ctx)
	defer lifecycle.Stop()

	matrixClient.SetHandlers(
		func(ctx context.Context, eventID, sender, body, inReplyToEvent, displayName string) {
			br.HandleMatrixText(ctx, bridge.MatrixTextEvent{EventID: eventID, Sender: sender, Body: body, InReplyToEvent: inReplyToEvent}, displayName)
		},
		func(ctx context.Context, eventID, sender, targetEventID, newBody string) {
			br.HandleMatrixEdit(ctx, bridge.MatrixEditEvent{EventID: eventID, Sender: sender, TargetEventID: targetEventID, NewBody: newBody})
		},
		func(ctx context.Context, eventID, sender, targetEventID, key string) {
			br.HandleMatrixReaction(ctx, bridge.MatrixReactionEvent{EventID: eventID, Sender: sender, TargetEventID: targetEventID, Key: key})
		},
	)

	for _, start := range starters {
		if err := start(ctx); err != nil {
			return fmt.Errorf("mesh source start: %w", err)
		}
	}
	defer func() {
		for _, stop := range stoppers {
			stop()
		}
	}()

	go func() {
		if err := matrixClient.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("matrix sync stopped", "error", err)
		}
	}()

	log.Info("bridge running", "room", cfg.MatrixRoom)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return br.Shutdown(shutdownCtx)
}

// selfNodeID derives this bridge's synthetic node identity from its
// configured Meshtastic channel PSK and Matrix room id, used as the GatewayId/From field on
// packets the bridge originates onto a channel it has no physical radio
// on (§6 mesh sink contract, MQTT implementation).
func selfNodeID(cfg *config.Config) mesh.NodeID {
	h := fnv32(cfg.MQTTPSK + cfg.MatrixRoom)
	return mesh.NodeID(h)
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// primaryChannelName picks the MESHTASTIC_CHANNEL_IDX name mapped to the
// lowest channel index (ties broken by name) for the MQTT sink's
// ChannelHash computation, falling back to "LongFast" when none is set.
func primaryChannelName(cfg *config.Config) string {
	best, bestIdx, found := "", 0, false
	for name, idx := range cfg.MeshtasticChannelIdx {
		if !found || idx < bestIdx || (idx == bestIdx && name < best) {
			best, bestIdx, found = name, idx, true
		}
	}
	if !found {
		return "LongFast"
	}
	return best
}
