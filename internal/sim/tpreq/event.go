package tpreq

import "voxelrtp.ai/internal/sim/terrain"

type EventType string

const (
	EventQueued      EventType = "QUEUED"
	EventClaimed     EventType = "CLAIMED"
	EventResolved    EventType = "RESOLVED"
	EventFailed      EventType = "FAILED"
	EventTransferred EventType = "TRANSFERRED"
	EventConfirmed   EventType = "CONFIRMED"
	EventCancelled   EventType = "CANCELLED"
	EventAbandoned   EventType = "ABANDONED"
	EventSwept       EventType = "SWEPT"
	EventTeleported  EventType = "TELEPORTED"
)

// Event is one step in a teleport's life, local or cross-server.
type Event struct {
	Type     EventType         `json:"type"`
	PlayerID string            `json:"player_id"`
	World    string            `json:"world,omitempty"`
	Server   string            `json:"server"`
	Peer     string            `json:"peer,omitempty"`
	Status   Status            `json:"status,omitempty"`
	Pos      *terrain.Position `json:"pos,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	At       int64             `json:"at_ms"`
}

type Sink interface {
	Publish(Event)
}

// MultiSink fans an event out to every non-nil sink.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }
