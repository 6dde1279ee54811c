// Package remote carries the agent protocol over websocket.
//
// Agents ping the server with their runtime snapshot; the server answers
// every ping with an instruction frame. Frames are JSON text messages.
package remote

import (
	"time"

	"github.com/teranos/drover/agent"
)

// Path the gateway is mounted on
const Path = "/agent/ws"

// Frame types
const (
	FramePing        = "ping"
	FrameInstruction = "instruction"
	FrameReregister  = "reregister" // server did not know the agent; it is now pending approval
	FrameError       = "error"
)

// WebSocket timeouts, following the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Frame is one protocol message
type Frame struct {
	Type        string             `json:"type"`
	Runtime     *agent.RuntimeInfo `json:"runtime,omitempty"`
	Instruction agent.Instruction  `json:"instruction,omitempty"`
	Error       string             `json:"error,omitempty"`
}
