// Package config loads the bridge's runtime configuration from the
// environment (§6 configuration), validating the combinations the
// bridge cannot start without.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated configuration for one bridge
// process.
type Config struct {
	MatrixHomeserver string
	MatrixUser       string
	MatrixPassword   string
	MatrixToken      string
	MatrixRoom       string

	MQTTBroker   string
	MQTTPort     int
	MQTTUser     string
	MQTTPassword string
	MQTTTopic    string
	MQTTPSK      string

	MeshtasticHost       string
	MeshtasticChannelIdx map[string]int
	MeshtasticChannels   []int

	NodeDBPath string

	MessageStateMaxAge  time.Duration
	MessageStateMaxSize int
}

// defaults mirrors the bridge package's own DefaultConfig tunables so a
// deployment that sets nothing still gets sane values.
var defaults = map[string]any{
	"mqtt_port":                 8883,
	"mqtt_topic":                "msh/US",
	"node_db_path":              "bridge.db",
	"message_state_max_age_sec": 86400,
	"message_state_max_size":    10000,
}

// Load reads MATRIX_*, MQTT_*, MESHTASTIC_* and the persistence/lifecycle
// knobs from the environment, applying defaults, then validates the
// result eagerly so a misconfigured deployment fails at startup rather
// than on the first packet.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	cfg := &Config{
		MatrixHomeserver: v.GetString("matrix_homeserver"),
		MatrixUser:       v.GetString("matrix_user"),
		MatrixPassword:   v.GetString("matrix_password"),
		MatrixToken:      v.GetString("matrix_token"),
		MatrixRoom:       v.GetString("matrix_room"),

		MQTTBroker:   v.GetString("mqtt_broker"),
		MQTTPort:     v.GetInt("mqtt_port"),
		MQTTUser:     v.GetString("mqtt_user"),
		MQTTPassword: v.GetString("mqtt_password"),
		MQTTTopic:    v.GetString("mqtt_topic"),
		MQTTPSK:      v.GetString("mqtt_psk"),

		MeshtasticHost: v.GetString("meshtastic_host"),
		NodeDBPath:     v.GetString("node_db_path"),

		MessageStateMaxAge:  time.Duration(v.GetInt("message_state_max_age_sec")) * time.Second,
		MessageStateMaxSize: v.GetInt("message_state_max_size"),
	}

	var err error
	cfg.MeshtasticChannelIdx, err = parseChannelIdx(v.GetString("meshtastic_channel_idx"))
	if err != nil {
		return nil, err
	}
	cfg.MeshtasticChannels, err = parseChannels(v.GetString("meshtastic_channels"), cfg.MeshtasticChannelIdx)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseChannelIdx parses "name=idx,name=idx" into a lookup map (§6
// MESHTASTIC_CHANNEL_IDX: channel_id name to configured index).
func parseChannelIdx(raw string) (map[string]int, error) {
	out := map[string]int{}
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, idxStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("config: malformed MESHTASTIC_CHANNEL_IDX entry %q", pair)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
		if err != nil {
			return nil, fmt.Errorf("config: malformed MESHTASTIC_CHANNEL_IDX entry %q: %w", pair, err)
		}
		out[strings.TrimSpace(name)] = idx
	}
	return out, nil
}

// parseChannels parses a comma-separated allow-list of channel indices
// and/or channel names (§4.1(a) EXPANSION); an empty list means "channel 0
// only", matching bridge.Config. A name is resolved against channelIdx
// (MESHTASTIC_CHANNEL_IDX) first; only a token that isn't a known name
// falls back to being parsed as a numeric index.
func parseChannels(raw string, channelIdx map[string]int) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if idx, ok := channelIdx[s]; ok {
			out = append(out, idx)
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("config: malformed MESHTASTIC_CHANNELS entry %q: not a known channel name (see MESHTASTIC_CHANNEL_IDX) or a numeric index: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Config) validate() error {
	if c.MatrixHomeserver == "" || c.MatrixRoom == "" {
		return fmt.Errorf("config: MATRIX_HOMESERVER and MATRIX_ROOM are required")
	}
	if c.MatrixToken == "" && (c.MatrixUser == "" || c.MatrixPassword == "") {
		return fmt.Errorf("config: either MATRIX_TOKEN or MATRIX_USER+MATRIX_PASSWORD must be set")
	}
	if c.MQTTBroker == "" && c.MeshtasticHost == "" {
		return fmt.Errorf("config: at least one of MQTT_BROKER or MESHTASTIC_HOST must be set")
	}
	// MQTT_PSK is optional (§6): an unencrypted or TLS-protected broker
	// carries plaintext ServiceEnvelope payloads, which decodePayload
	// already passes through unchanged when a packet's payload variant is
	// already decoded.
	return nil
}

// AllowedChannelSet converts MeshtasticChannels into the set bridge.Config
// expects.
func (c *Config) AllowedChannelSet() map[int]bool {
	if len(c.MeshtasticChannels) == 0 {
		return nil
	}
	out := make(map[int]bool, len(c.MeshtasticChannels))
	for _, ch := range c.MeshtasticChannels {
		out[ch] = true
	}
	return out
}
