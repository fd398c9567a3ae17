// Package protocol implements the trackd wire protocol: fixed-width
// message-ID framing, the version handshake, and the packed device-state
// buffer carried by PACKET_REPLY messages.
//
// All multi-byte fields are little-endian on the wire, regardless of host
// architecture. A message is a uint16 message ID followed by a payload
// whose shape is determined solely by the ID; there is no length field.
// Message IDs not listed below carry no payload by protocol convention,
// which is what makes them safely skippable by older peers.
package protocol

import "fmt"

// ProtocolVersion is the newest protocol revision this build speaks. A
// server always answers with min(ProtocolVersion, clientVersion); a client
// refuses to speak a protocol newer than itself.
const ProtocolVersion uint32 = 3

// MessageID tags each message on the wire.
type MessageID uint16

// Wire message IDs. The numeric values are part of the protocol and must
// never be reordered.
const (
	// ConnectRequest carries the client's protocol version (uint32).
	ConnectRequest MessageID = iota
	// ConnectReply carries the server's protocol version (uint32),
	// followed immediately by the layout announcement (three int32
	// counts: trackers, buttons, valuators).
	ConnectReply
	// DisconnectRequest has no payload. Best effort, never acknowledged.
	DisconnectRequest
	// ActivateRequest has no payload.
	ActivateRequest
	// DeactivateRequest has no payload.
	DeactivateRequest
	// PacketRequest has no payload; the server answers with exactly one
	// PacketReply.
	PacketRequest
	// PacketReply carries one DeviceState snapshot.
	PacketReply
	// StartStreamRequest has no payload.
	StartStreamRequest
	// StopStreamRequest has no payload.
	StopStreamRequest
)

func (id MessageID) String() string {
	switch id {
	case ConnectRequest:
		return "CONNECT_REQUEST"
	case ConnectReply:
		return "CONNECT_REPLY"
	case DisconnectRequest:
		return "DISCONNECT_REQUEST"
	case ActivateRequest:
		return "ACTIVATE_REQUEST"
	case DeactivateRequest:
		return "DEACTIVATE_REQUEST"
	case PacketRequest:
		return "PACKET_REQUEST"
	case PacketReply:
		return "PACKET_REPLY"
	case StartStreamRequest:
		return "STARTSTREAM_REQUEST"
	case StopStreamRequest:
		return "STOPSTREAM_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(id))
	}
}
