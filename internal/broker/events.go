// Package broker implements the session/room relay core: it tracks which
// connection is bound to which display name, which names occupy which
// room, keeps a bounded history of recent messages per room, and fans
// events out to room occupants with per-recipient failure isolation.
//
// The broker works on already-decoded events. Framing, JSON, and socket
// lifecycle belong to the transport layer (see internal/gateway), which
// feeds the broker through OnConnect, OnEvent, and OnDisconnect.
package broker

// Conn is one live client transport session. The transport layer owns
// the underlying socket; the broker only identifies the connection and
// pushes outbound events through Send.
//
// Send must not block. A non-nil error from Send is treated by the
// broker as an implicit disconnect of that connection.
type Conn interface {
	ID() string
	Send(evt Event) error
}

// Message is one published chat message. Immutable once created; the
// timestamp is assigned by the broker at publish time.
type Message struct {
	User      string `json:"user"`
	Text      string `json:"message"`
	Room      string `json:"room"`
	Timestamp string `json:"timestamp"`
}

// Request is a decoded inbound event from a client connection.
type Request interface {
	isRequest()
}

// LoginRequest binds a display name to the connection.
type LoginRequest struct {
	Username string
}

// JoinRequest moves the connection into the named room, leaving any
// previously occupied room.
type JoinRequest struct {
	Room string
}

// PublishRequest publishes a text message to the named room.
type PublishRequest struct {
	Room string
	Text string
}

// WhoRequest asks for the display names currently in the named room.
type WhoRequest struct {
	Room string
}

func (LoginRequest) isRequest()   {}
func (JoinRequest) isRequest()    {}
func (PublishRequest) isRequest() {}
func (WhoRequest) isRequest()     {}

// Event is a structured outbound event. The transport layer encodes it
// onto the wire; Kind is the wire-level discriminator.
type Event interface {
	Kind() string
}

// ErrorEvent reports a recoverable request failure to the originating
// connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

// SystemEvent carries a human-readable notice (welcome, arrival,
// departure).
type SystemEvent struct {
	Message string `json:"message"`
}

// RoomListEvent carries the full set of known room names. It is a
// coarse invalidation signal, not a diff.
type RoomListEvent struct {
	Rooms []string `json:"rooms"`
}

// HistoryEvent carries a room's recent messages, oldest first. Sent to
// a connection on joining a room that has history.
type HistoryEvent struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

// MessageEvent carries one published message to a room occupant.
type MessageEvent struct {
	Message
}

// WhoEvent answers a WhoRequest with the room's current occupants.
type WhoEvent struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

// Kind returns the wire discriminator "error".
func (ErrorEvent) Kind() string { return "error" }

// Kind returns the wire discriminator "system".
func (SystemEvent) Kind() string { return "system" }

// Kind returns the wire discriminator "rooms".
func (RoomListEvent) Kind() string { return "rooms" }

// Kind returns the wire discriminator "history".
func (HistoryEvent) Kind() string { return "history" }

// Kind returns the wire discriminator "message".
func (MessageEvent) Kind() string { return "message" }

// Kind returns the wire discriminator "who".
func (WhoEvent) Kind() string { return "who" }
