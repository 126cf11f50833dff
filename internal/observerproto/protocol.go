package observerproto

import "voxelrtp.ai/internal/sim/tpreq"

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvent     = "EVENT"
	TypeWelcome   = "WELCOME"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the filter. Empty lists mean everything.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Players         []string `json:"players,omitempty"`
	Worlds          []string `json:"worlds,omitempty"`
	Types           []string `json:"types,omitempty"`
}

// Server -> Client, once after a valid SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	ServerID        string `json:"server_id"`
}

// Server -> Client, one per lifecycle event that passes the filter.
type EventMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Seq             uint64      `json:"seq"`
	Event           tpreq.Event `json:"event"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	ServerID        string      `json:"server_id"`
	InstanceID      string      `json:"instance_id"`
	Worlds          []WorldInfo `json:"worlds"`
	Cache           []CacheInfo `json:"cache,omitempty"`
}

type WorldInfo struct {
	ID      string `json:"id"`
	Class   string `json:"class"`
	Server  string `json:"server"`
	Local   bool   `json:"local"`
	BorderR int    `json:"border_r"`
}

type CacheInfo struct {
	World         string `json:"world"`
	Size          int    `json:"size"`
	Target        int    `json:"target"`
	PausedUntilMs int64  `json:"paused_until_ms,omitempty"`
}
