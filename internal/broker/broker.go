package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// timestampLayout is ISO-8601 local time with microseconds and no
// timezone normalization.
const timestampLayout = "2006-01-02T15:04:05.000000"

// Broker orchestrates login, room joins, publishes, who-queries, and
// disconnect teardown against the Membership table and History ring,
// and drives broadcast fan-out back through the transport's Conn
// handles.
//
// A single mutex serializes every handler, so each mutate-plus-broadcast
// sequence is one critical section. Conn.Send never blocks, so the lock
// is never held across transport I/O.
type Broker struct {
	mu         sync.Mutex
	membership *Membership
	history    *History
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Broker over the given membership table and history
// ring.
//
// Precondition: membership, history, and logger must be non-nil.
func New(membership *Membership, history *History, logger *zap.Logger) *Broker {
	return &Broker{
		membership: membership,
		history:    history,
		logger:     logger,
		now:        time.Now,
	}
}

// OnConnect registers a new transport connection with no session yet.
func (b *Broker) OnConnect(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.membership.AddConnection(conn)
	b.logger.Info("client connected",
		zap.String("conn_id", conn.ID()),
		zap.Int("connections", b.membership.ConnectionCount()),
	)
}

// OnEvent dispatches one decoded inbound event for conn. Request
// failures are reported back to conn as an ErrorEvent and never affect
// other connections.
func (b *Broker) OnEvent(conn Conn, req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	switch r := req.(type) {
	case LoginRequest:
		err = b.handleLogin(conn, r)
	case JoinRequest:
		err = b.handleJoin(conn, r)
	case PublishRequest:
		err = b.handlePublish(conn, r)
	case WhoRequest:
		err = b.handleWho(conn, r)
	default:
		err = fmt.Errorf("unknown request type %T", req)
	}
	if err != nil {
		b.sendLocked(conn, ErrorEvent{Message: err.Error()})
	}
}

// OnDisconnect tears down conn's session and occupancy, notifying the
// room it occupied and re-broadcasting the room list. Idempotent: a
// second call for the same connection is a no-op with no notifications.
func (b *Broker) OnDisconnect(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(conn)
}

func (b *Broker) handleLogin(conn Conn, req LoginRequest) error {
	name, err := b.membership.Login(conn, req.Username)
	if err != nil {
		return err
	}

	b.logger.Info("user logged in",
		zap.String("conn_id", conn.ID()),
		zap.String("user", name),
	)
	b.sendLocked(conn, SystemEvent{Message: fmt.Sprintf("Welcome %s!", name)})
	b.broadcastRoomListLocked()
	return nil
}

func (b *Broker) handleJoin(conn Conn, req JoinRequest) error {
	name, ok := b.membership.Name(conn)
	if !ok {
		return ErrLoginRequired
	}
	room := strings.TrimSpace(req.Room)
	if room == "" {
		return ErrRoomRequired
	}

	departed := b.membership.Join(conn, name, room)
	if departed != "" {
		// Excluding the mover matters when rejoining the same room:
		// the departure notice must not reach the re-added occupant.
		b.notifyRoomExceptLocked(departed, conn, SystemEvent{
			Message: fmt.Sprintf("%s left the room", name),
		})
	}

	if msgs := b.history.Snapshot(room); len(msgs) > 0 {
		b.sendLocked(conn, HistoryEvent{Room: room, Messages: msgs})
	}

	b.notifyRoomLocked(room, SystemEvent{
		Message: fmt.Sprintf("%s joined the room", name),
	})

	b.logger.Info("user joined room",
		zap.String("user", name),
		zap.String("room", room),
		zap.String("departed", departed),
	)
	b.broadcastRoomListLocked()
	return nil
}

func (b *Broker) handlePublish(conn Conn, req PublishRequest) error {
	name, ok := b.membership.Name(conn)
	if !ok {
		return ErrLoginRequired
	}

	// Occupancy is checked before the message body, matching the
	// relay's observable error precedence.
	room := strings.TrimSpace(req.Room)
	if room == "" || !b.membership.InRoom(conn, room) {
		return ErrNotInRoom
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ErrEmptyMessage
	}

	msg := Message{
		User:      name,
		Text:      text,
		Room:      room,
		Timestamp: b.now().Format(timestampLayout),
	}
	b.history.Append(room, msg)
	b.notifyRoomLocked(room, MessageEvent{Message: msg})

	b.logger.Info("message published",
		zap.String("user", name),
		zap.String("room", room),
		zap.Int("bytes", len(text)),
	)
	return nil
}

func (b *Broker) handleWho(conn Conn, req WhoRequest) error {
	room := strings.TrimSpace(req.Room)
	if room == "" || !b.membership.RoomExists(room) {
		return ErrRoomNotFound
	}
	b.sendLocked(conn, WhoEvent{
		Room:    room,
		Members: b.membership.Occupants(room),
	})
	return nil
}

// removeLocked is the single teardown path for explicit disconnects and
// implicit ones detected by failed sends. Caller holds b.mu.
func (b *Broker) removeLocked(conn Conn) {
	r := b.membership.RemoveConnection(conn)
	if !r.Known {
		return
	}

	if r.InRoom {
		b.notifyRoomLocked(r.Room, SystemEvent{
			Message: fmt.Sprintf("%s left the room", r.Name),
		})
	}
	b.logger.Info("client disconnected",
		zap.String("conn_id", conn.ID()),
		zap.String("user", r.Name),
		zap.Int("connections", b.membership.ConnectionCount()),
	)
	b.broadcastRoomListLocked()
}

// sendLocked delivers evt to a single connection. A failed send is
// treated as an implicit disconnect and routed through removeLocked,
// which may itself emit further notifications.
func (b *Broker) sendLocked(conn Conn, evt Event) {
	if err := conn.Send(evt); err != nil {
		b.logger.Warn("send failed, dropping connection",
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
		b.removeLocked(conn)
	}
}

// notifyRoomLocked delivers evt to every current occupant of room.
// The occupant set is snapshotted first, so teardown cascades triggered
// by failed recipients never mutate the set mid-iteration.
func (b *Broker) notifyRoomLocked(room string, evt Event) {
	for _, conn := range b.membership.OccupantConns(room) {
		b.sendLocked(conn, evt)
	}
}

// notifyRoomExceptLocked is notifyRoomLocked minus one excluded
// connection.
func (b *Broker) notifyRoomExceptLocked(room string, exclude Conn, evt Event) {
	for _, conn := range b.membership.OccupantConns(room) {
		if conn.ID() == exclude.ID() {
			continue
		}
		b.sendLocked(conn, evt)
	}
}

// broadcastRoomListLocked sends the current room-name list to every
// known connection, logged in or not.
func (b *Broker) broadcastRoomListLocked() {
	evt := RoomListEvent{Rooms: b.membership.AllRoomNames()}
	for _, conn := range b.membership.AllConns() {
		b.sendLocked(conn, evt)
	}
}
