// Package legacy implements the WebSocket + UDP voice transport: JSON
// signaling, IP discovery and secretbox-encrypted RTP.
package legacy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/fluxer-voice-lab/internal/transport"
)

// Signaling op codes.
const (
	OpIdentify           = 0
	OpSelectProtocol     = 1
	OpReady              = 2
	OpHeartbeat          = 3
	OpSessionDescription = 4
	OpSpeaking           = 5
)

// Version is the signaling protocol version requested on connect.
const Version = 4

const (
	encryptionMode             = "xsalsa20_poly1305"
	defaultHeartbeatIntervalMs = 5000
)

var wsScheme = regexp.MustCompile(`(?i)^wss?://`)
var httpScheme = regexp.MustCompile(`(?i)^https?://`)

// SignalingURL builds the WebSocket URL for a voice endpoint. Endpoints
// carrying a query are used as given with a wss scheme forced; bare hosts
// get the protocol version appended.
func SignalingURL(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if strings.Contains(raw, "?") {
		if wsScheme.MatchString(raw) {
			return raw
		}
		u := httpScheme.ReplaceAllString(raw, "wss://")
		if !wsScheme.MatchString(u) {
			u = "wss://" + u
		}
		return u
	}
	normalized := transport.StripScheme(raw)
	if normalized == "" {
		normalized = raw
	}
	return "wss://" + normalized + "?v=" + strconv.Itoa(Version)
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type outbound struct {
	Op int         `json:"op"`
	D  interface{} `json:"d"`
}

type identify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type ready struct {
	SSRC    uint32 `json:"ssrc"`
	Port    int    `json:"port"`
	Address string `json:"address"`
	IP      string `json:"ip"`
}

type selectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescription struct {
	SecretKey         []int `json:"secret_key"`
	HeartbeatInterval int   `json:"heartbeat_interval"`
}

type speaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// remoteAddress picks the UDP host from the Ready payload, falling back to
// the signaling host without its port.
func (r ready) remoteAddress(endpointHost string) string {
	if r.Address != "" {
		return r.Address
	}
	if r.IP != "" {
		return r.IP
	}
	host := endpointHost
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s sessionDescription) key() (*[32]byte, bool) {
	if len(s.SecretKey) != 32 {
		return nil, false
	}
	var k [32]byte
	for i, b := range s.SecretKey {
		k[i] = byte(b)
	}
	return &k, true
}
