// Package protocol defines the contract between an agent and the master on
// top of the websocket connection: handshake headers, close codes, and the
// pub/sub channel names that the rest of the system agrees on.
//
// Handshake (HTTP upgrade request headers):
//
//	Grid-Token:    bearer credential of the grid the agent joins
//	Node-Id:       stable identity of the agent host
//	Agent-Version: semantic version of the agent
//
// Close codes sent by the master:
//
//	1000        normal close        -> reconnect after delay
//	4001        invalid token       -> fatal, never reconnect
//	4010        incompatible version -> fatal, never reconnect
//	anything else                   -> transient, reconnect after delay
package protocol

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderGridToken    = "Grid-Token"
	HeaderNodeID       = "Node-Id"
	HeaderAgentVersion = "Agent-Version"
)

const (
	CloseNormal              = 1000
	CloseAbnormal            = 1006 // no close frame received; never sent on the wire
	CloseInvalidToken        = 4001
	CloseIncompatibleVersion = 4010
)

// Lifecycle channels published on the local topic registry by the
// connection manager. Payloads: connect -> *transport.Conn, open ->
// *transport.Conn, close -> int close code.
const (
	ChannelConnect = "websocket:connect"
	ChannelOpen    = "websocket:open"
	ChannelClose   = "websocket:close"
)

// RPCChannel is the durable channel the master-side RPC client publishes
// requests and notifications on; the hub that holds the target node's
// connection relays them.
const RPCChannel = "rpc_client"

const responseChannelPrefix = "rpc_response:"

// ResponseChannel is the channel a Response with the given id is published
// on. RPC clients subscribe to it before sending their request.
func ResponseChannel(id uint64) string {
	return responseChannelPrefix + strconv.FormatUint(id, 10)
}

// Outcome classifies a close code.
type Outcome int

const (
	OutcomeNormal Outcome = iota
	OutcomeTransient
	OutcomeFatalAuth
	OutcomeFatalVersion
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNormal:
		return "normal"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatalAuth:
		return "fatal-auth"
	case OutcomeFatalVersion:
		return "fatal-version"
	}
	return "unknown"
}

// Fatal reports whether the connection must not be retried.
func (o Outcome) Fatal() bool {
	return o == OutcomeFatalAuth || o == OutcomeFatalVersion
}

// Classify maps a close code to the action the agent takes.
func Classify(code int) Outcome {
	switch code {
	case CloseNormal:
		return OutcomeNormal
	case CloseInvalidToken:
		return OutcomeFatalAuth
	case CloseIncompatibleVersion:
		return OutcomeFatalVersion
	}
	return OutcomeTransient
}

var ErrMissingHeader = errors.New("protocol: missing handshake header")

// Handshake carries the identity an agent presents when it connects.
type Handshake struct {
	GridToken    string
	NodeID       string
	AgentVersion string
}

// Header returns the HTTP headers for the upgrade request.
func (h Handshake) Header() http.Header {
	header := http.Header{}
	header.Set(HeaderGridToken, h.GridToken)
	header.Set(HeaderNodeID, h.NodeID)
	header.Set(HeaderAgentVersion, h.AgentVersion)
	return header
}

// ParseHandshake reads the handshake from an upgrade request. All three
// headers are required.
func ParseHandshake(header http.Header) (Handshake, error) {
	h := Handshake{
		GridToken:    strings.TrimSpace(header.Get(HeaderGridToken)),
		NodeID:       strings.TrimSpace(header.Get(HeaderNodeID)),
		AgentVersion: strings.TrimSpace(header.Get(HeaderAgentVersion)),
	}
	switch {
	case h.GridToken == "":
		return h, &HeaderError{Name: HeaderGridToken}
	case h.NodeID == "":
		return h, &HeaderError{Name: HeaderNodeID}
	case h.AgentVersion == "":
		return h, &HeaderError{Name: HeaderAgentVersion}
	}
	return h, nil
}

// HeaderError names the handshake header that was missing.
type HeaderError struct {
	Name string
}

func (e *HeaderError) Error() string {
	return "protocol: missing handshake header " + e.Name
}

func (e *HeaderError) Unwrap() error {
	return ErrMissingHeader
}
