// Package signaling defines the wire-level message types exchanged on
// the signaling channel (spec §6 "Signaling messages consumed/produced")
// and the Adapter interface the Engine consumes to send and receive them.
// The signaling transport itself (a websocket, a relay server) is an
// external collaborator, same as the Transport Endpoint's socket; this
// package only defines the message shapes and the boundary interface.
// Grounded on av/signaling.go's per-message-type struct pattern (one
// struct per wire message, Serialize/Deserialize pairs), generalized from
// Tox's binary call-signaling packets to this core's directory/descriptor
// messages, which travel as already-decoded values rather than a custom
// binary wire format since the signaling channel itself is an external
// collaborator (spec §1, §9).
package signaling

import "time"

// DefaultPingTimeout is the keep-alive timeout on the signaling channel
// (spec §6 "Ping/Pong ... with a timeout of N seconds (default 15)").
const DefaultPingTimeout = 15 * time.Second

// Message is implemented by every signaling message type. The method is
// unexported so the set of message types is closed to this package,
// mirroring the teacher's fixed CallControl-style enum-of-kinds pattern
// applied here as a closed interface instead.
type Message interface {
	isMessage()
}

// Offer carries a session descriptor from one peer to another (spec §6
// "descriptor ... exchange").
type Offer struct {
	From string
	To   string
	SDP  string
}

// Answer carries the responding peer's session descriptor.
type Answer struct {
	From string
	To   string
	SDP  string
}

// Candidate carries one connectivity candidate.
type Candidate struct {
	From string
	To   string
	Cand string
}

// Ack acknowledges a received Offer or Answer.
type Ack struct {
	From string
	To   string
}

// Bye is a symmetric hang-up; on receipt the receiver transitions to
// Closing (spec §6 "Either side may originate").
type Bye struct {
	From   string
	To     string
	Reason string
}

// Ping is a signaling-channel keep-alive probe.
type Ping struct {
	From string
	To   string
}

// Pong answers a Ping.
type Pong struct {
	From string
	To   string
}

// ListPeers requests the directory of currently online peers.
type ListPeers struct {
	From string
}

// PeersOnline answers a ListPeers query.
type PeersOnline struct {
	Peers []string
}

// Register requests a new account on the signaling directory.
type Register struct {
	Username string
	Password string
}

// RegisterResponse answers a Register request.
type RegisterResponse struct {
	Accepted bool
	Reason   string
}

// Login authenticates an existing account.
type Login struct {
	Username string
	Password string
}

// LoginResponse answers a Login request.
type LoginResponse struct {
	Accepted bool
	Reason   string
}

func (Offer) isMessage()            {}
func (Answer) isMessage()           {}
func (Candidate) isMessage()        {}
func (Ack) isMessage()              {}
func (Bye) isMessage()              {}
func (Ping) isMessage()             {}
func (Pong) isMessage()             {}
func (ListPeers) isMessage()        {}
func (PeersOnline) isMessage()      {}
func (Register) isMessage()         {}
func (RegisterResponse) isMessage() {}
func (Login) isMessage()            {}
func (LoginResponse) isMessage()    {}

// Adapter is the boundary the Engine consumes to exchange signaling
// messages with the external signaling channel, mirroring
// av/manager.go's TransportInterface minimal-surface abstraction (Send
// plus a handler/event registration) adapted to a channel-based event
// source instead of a callback-registration one, consistent with this
// module's channel-driven worker style.
type Adapter interface {
	// Send transmits msg over the signaling channel.
	Send(msg Message) error
	// Inbound returns the channel of messages received from the peer or
	// directory server. The channel closes when the adapter's connection
	// is lost, which the Engine treats as a Fatal transport error (spec §7).
	Inbound() <-chan Message
	// Close releases the adapter's underlying connection.
	Close() error
}
