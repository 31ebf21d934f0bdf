package protocol

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/state"
)

// StateMessage is published on every transition of a node.
type StateMessage struct {
	NodeID    string      `json:"node_id"`
	Sequence  uint64      `json:"sequence"`
	State     state.State `json:"state"`
	Timestamp time.Time   `json:"timestamp"`
}

// CommandRequest is the payload of a command request. Only the sample
// command reads SampleID.
type CommandRequest struct {
	SampleID string `json:"sample_id,omitempty"`
}

// CommandReply carries the state after the command was applied. Rejected is
// set when the command was not available in the node's state.
type CommandReply struct {
	NodeID   string      `json:"node_id"`
	State    state.State `json:"state"`
	Error    string      `json:"error,omitempty"`
	Rejected bool        `json:"rejected,omitempty"`
}

// NodeAnnouncement is published on startup and with every heartbeat.
type NodeAnnouncement struct {
	NodeID     string     `json:"node_id"`
	Role       string     `json:"role"`
	EngineMode string     `json:"engine_mode"`
	StateKind  state.Kind `json:"state_kind"`
	Timestamp  time.Time  `json:"timestamp"`
}

const (
	SubjectStatePrefix   = "scribe.state"
	SubjectCommandToggle = "scribe.cmd.toggle"
	SubjectCommandStop   = "scribe.cmd.stop"
	SubjectCommandSample = "scribe.cmd.sample"
	SubjectCommandReload = "scribe.cmd.reload"
	SubjectCommandState  = "scribe.cmd.state"
	SubjectNodeAnnounce  = "scribe.node.announce"
	SubjectNodeHeartbeat = "scribe.node.heartbeat"

	// StateStream keeps the last state per node subject in JetStream.
	StateStream = "SCRIBE_STATE"
	// CommandQueue load-balances commands across nodes sharing a bus.
	CommandQueue = "scribe"
)

func StateSubject(nodeID string) string {
	return SubjectStatePrefix + "." + nodeID
}

func HeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeat + "." + nodeID
}
