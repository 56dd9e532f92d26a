package blockfilter

import (
	"fmt"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

type Role int

const (
	RolePrimary Role = iota
	RoleMirror
	RoleNone // demoted, no longer used
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleMirror:
		return "mirror"
	case RoleNone:
		return "none"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Liveness tracks what the supervisor last said about a channel's store.
type Liveness int

const (
	LivenessUnseen    Liveness = iota // no new session announced
	LivenessConfirmed                 // a new session was announced and not yet opened
	LivenessPending                   // restart requested, waiting for the announcement
)

func (l Liveness) String() string {
	switch l {
	case LivenessUnseen:
		return "unseen"
	case LivenessConfirmed:
		return "confirmed"
	case LivenessPending:
		return "pending"
	}
	return fmt.Sprintf("Liveness(%d)", int(l))
}

type Problem int

const (
	ProblemNone Problem = iota
	ProblemDead
	ProblemProtocol
	ProblemData
)

func (p Problem) String() string {
	switch p {
	case ProblemNone:
		return "none"
	case ProblemDead:
		return "dead"
	case ProblemProtocol:
		return "protocol"
	case ProblemData:
		return "data"
	}
	return fmt.Sprintf("Problem(%d)", int(p))
}

// channel is one downstream connection. Its fields are only touched while the
// engine lock is held.
type channel struct {
	role     Role
	label    string
	minor    int
	endpoint session.Endpoint
	next     session.Endpoint // announced by the last confirmation
	open     bool

	liveness Liveness
	problem  Problem
	err      error
	retries  int
	restarts int
	ignored  int // tolerated checksum mismatches since the last clean read
}

func newChannel(role Role, cfg ChannelConfig) *channel {
	return &channel{role: role, label: cfg.Label, minor: cfg.Minor}
}

func (ch *channel) String() string {
	return fmt.Sprintf("%s(%s)", ch.role, ch.label)
}

func (ch *channel) clearProblem() {
	ch.problem = ProblemNone
	ch.err = nil
}

// ChannelState is a snapshot of a channel for callers outside the engine.
type ChannelState struct {
	Role     Role
	Label    string
	Endpoint session.Endpoint
	Open     bool
	Liveness Liveness
	Problem  Problem
	Err      error
	Retries  int
	Restarts int
	Ignored  int
}

func (ch *channel) state() ChannelState {
	return ChannelState{
		Role:     ch.role,
		Label:    ch.label,
		Endpoint: ch.endpoint,
		Open:     ch.open,
		Liveness: ch.liveness,
		Problem:  ch.problem,
		Err:      ch.err,
		Retries:  ch.retries,
		Restarts: ch.restarts,
		Ignored:  ch.ignored,
	}
}
