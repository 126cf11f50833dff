package tpreq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voxelrtp.ai/internal/sim/terrain"
)

var ErrInvalidTransition = errors.New("tpreq: invalid status transition")

type Status string

const (
	Pending           Status = "PENDING"
	Processing        Status = "PROCESSING"
	Complete          Status = "COMPLETE"
	Failed            Status = "FAILED"
	InTransfer        Status = "IN_TRANSFER"
	TransferConfirmed Status = "TRANSFER_CONFIRMED"
)

// Terminal reports the statuses the origin process acts on.
func (s Status) Terminal() bool {
	return s == Complete || s == Failed
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

type Kind string

const (
	Individual  Kind = "INDIVIDUAL"
	GroupLeader Kind = "GROUP_LEADER"
	GroupMember Kind = "GROUP_MEMBER"
)

func (k Kind) Valid() bool {
	switch k {
	case Individual, GroupLeader, GroupMember:
		return true
	}
	return false
}

// transitions is the closed table of allowed status moves.
var transitions = map[Status][]Status{
	Pending:           {Processing, Failed, Complete},
	Processing:        {Complete, Failed},
	Complete:          {InTransfer},
	Failed:            nil,
	InTransfer:        {TransferConfirmed, Failed},
	TransferConfirmed: nil,
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when
// from -> to is not in the table.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Payload is the free-form command payload stored with a row.
type Payload struct {
	Command   string   `json:"command,omitempty"`
	Followers []string `json:"followers,omitempty"`
	Leader    string   `json:"leader,omitempty"`
}

func (p Payload) Encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

func DecodePayload(s string) (Payload, error) {
	var p Payload
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("tpreq: decode payload: %w", err)
	}
	return p, nil
}

// Request is one row of the shared teleport mailbox, keyed by player.
type Request struct {
	PlayerID  string
	Origin    string
	Target    string
	World     string
	Payload   Payload
	Pos       *terrain.Position
	Status    Status
	MinRadius *int
	MaxRadius *int
	Kind      Kind
	Owner     string
	CreatedAt int64
	UpdatedAt int64
}

func (r Request) Leader() string {
	if r.Kind == GroupMember {
		return r.Payload.Leader
	}
	if r.Kind == GroupLeader {
		return r.PlayerID
	}
	return ""
}

// Position hides the resolved position until the row is past resolution.
func (r Request) Position() (terrain.Position, bool) {
	if r.Pos == nil {
		return terrain.Position{}, false
	}
	switch r.Status {
	case Complete, InTransfer, TransferConfirmed:
		return *r.Pos, true
	}
	return terrain.Position{}, false
}

// Transition returns r moved to status to, or ErrInvalidTransition.
func (r Request) Transition(to Status, now time.Time) (Request, error) {
	if err := CheckTransition(r.Status, to); err != nil {
		return r, err
	}
	r.Status = to
	r.UpdatedAt = now.UnixMilli()
	return r, nil
}

// Claim moves a PENDING row into PROCESSING under owner.
func (r Request) Claim(owner string, now time.Time) (Request, error) {
	next, err := r.Transition(Processing, now)
	if err != nil {
		return r, err
	}
	next.Owner = owner
	return next, nil
}

// Resolve records pos and completes the row.
func (r Request) Resolve(pos terrain.Position, now time.Time) (Request, error) {
	next, err := r.Transition(Complete, now)
	if err != nil {
		return r, err
	}
	next.Pos = &pos
	return next, nil
}

func (r Request) Fail(now time.Time) (Request, error) {
	return r.Transition(Failed, now)
}

// New builds a PENDING individual request.
func New(player, origin, target, world string, minR, maxR *int, now time.Time) Request {
	ms := now.UnixMilli()
	return Request{
		PlayerID:  player,
		Origin:    origin,
		Target:    target,
		World:     world,
		Status:    Pending,
		Kind:      Individual,
		MinRadius: minR,
		MaxRadius: maxR,
		CreatedAt: ms,
		UpdatedAt: ms,
	}
}

// NewGroup builds the leader row and one member row per follower.
func NewGroup(leader string, followers []string, origin, target, world string, minR, maxR *int, now time.Time) []Request {
	out := make([]Request, 0, len(followers)+1)
	lead := New(leader, origin, target, world, minR, maxR, now)
	lead.Kind = GroupLeader
	lead.Payload = Payload{Followers: append([]string(nil), followers...)}
	out = append(out, lead)
	for _, f := range followers {
		m := New(f, origin, target, world, minR, maxR, now)
		m.Kind = GroupMember
		m.Payload = Payload{Leader: leader}
		out = append(out, m)
	}
	return out
}
