package protocol

// DefaultPort is the port that TLS contact exchange servers listen on.
const DefaultPort = 2311

// LegacyPort is kept for servers that still listen behind standard
// HTTPS infrastructure.
const LegacyPort = 443

// MaxMsgSize bounds a single length-prefixed frame.
const MaxMsgSize = 68 * 1024

// MessageType is the value of the "type" field of every wire message.
type MessageType string

const (
	MsgCreateRoom  MessageType = "create_room"
	MsgSendAddr    MessageType = "send_addr"
	MsgDoneSending MessageType = "done_sending"

	MsgRoomCreated          MessageType = "room_created"
	MsgReceivedAddr         MessageType = "received_addr"
	MsgClientContact        MessageType = "client_contact"
	MsgPeerContact          MessageType = "peer_contact"
	MsgErrorRoomTaken       MessageType = "error_room_taken"
	MsgErrorNoSuchRoomCode  MessageType = "error_no_such_room_code"
	MsgErrorPeerTimedOut    MessageType = "error_peer_timed_out"
	MsgErrorTooManyRequests MessageType = "error_too_many_requests"
	MsgErrorUnexpectedMsg   MessageType = "error_unexpected_msg"
	MsgErrorSyntax          MessageType = "error_syntax"
)

func (t MessageType) String() string { return string(t) }

// Family tags an endpoint's IP address family.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)
