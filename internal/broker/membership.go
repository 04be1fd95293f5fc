package broker

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Membership is the bidirectional mapping between connections, display
// names, and room occupancy. All methods are safe for concurrent use,
// and every mutation is atomic: a connection is never observable in two
// rooms, and a session's current-room pointer always agrees with the
// room's occupant set.
//
// Rooms are created implicitly on first join and never deleted; an
// emptied room persists with a zero-size occupant set so it still
// appears in AllRoomNames. This mirrors the relay's retained-room
// design rather than reclaiming them.
type Membership struct {
	mu          sync.RWMutex
	conns       map[string]Conn            // conn ID → conn, every known connection
	names       map[string]string          // conn ID → display name, post-login only
	rooms       map[string]map[string]Conn // room → conn ID → occupant conn
	currentRoom map[string]string          // display name → occupied room
}

// NewMembership creates an empty Membership table.
func NewMembership() *Membership {
	return &Membership{
		conns:       make(map[string]Conn),
		names:       make(map[string]string),
		rooms:       make(map[string]map[string]Conn),
		currentRoom: make(map[string]string),
	}
}

// AddConnection registers a connection with no session yet. Idempotent.
func (m *Membership) AddConnection(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID()] = conn
}

// Login binds conn to the given display name and returns the trimmed
// name. It fails with ErrUsernameRequired for empty or whitespace-only
// names, ErrAlreadyLoggedIn if conn already has a session, and
// ErrUsernameTaken if another active session holds the exact name
// (case-sensitive). Uniqueness is checked at login time only.
func (m *Membership) Login(conn Conn, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrUsernameRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[conn.ID()]; ok {
		return "", ErrAlreadyLoggedIn
	}
	for _, taken := range m.names {
		if taken == name {
			return "", ErrUsernameTaken
		}
	}

	m.conns[conn.ID()] = conn
	m.names[conn.ID()] = name
	return name, nil
}

// Name returns the display name bound to conn, if it has a session.
func (m *Membership) Name(conn Conn) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.names[conn.ID()]
	return name, ok
}

// CurrentRoom returns the room the named session currently occupies.
func (m *Membership) CurrentRoom(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.currentRoom[name]
	return room, ok
}

// Join moves conn into room, removing it from any previously occupied
// room in the same atomic step. Returns the departed room, or "" if the
// session was not in a room. Rejoining the current room departs and
// re-enters it.
//
// The caller must have established the session: name must be the name
// Login bound to conn, and room must be non-empty.
func (m *Membership) Join(conn Conn, name, room string) (departed string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.currentRoom[name]; ok {
		departed = old
		if occupants, ok := m.rooms[old]; ok {
			delete(occupants, conn.ID())
		}
	}

	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]Conn)
	}
	m.rooms[room][conn.ID()] = conn
	m.currentRoom[name] = room
	return departed
}

// InRoom reports whether conn is currently an occupant of room.
func (m *Membership) InRoom(conn Conn, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occupants, ok := m.rooms[room]
	if !ok {
		return false
	}
	_, ok = occupants[conn.ID()]
	return ok
}

// RoomExists reports whether room has ever been created by a join.
func (m *Membership) RoomExists(room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room]
	return ok
}

// Occupants returns the display names of the sessions currently in
// room. Connections whose session lookup fails are skipped.
func (m *Membership) Occupants(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	occupants := m.rooms[room]
	members := make([]string, 0, len(occupants))
	for id := range occupants {
		if name, ok := m.names[id]; ok {
			members = append(members, name)
		}
	}
	sort.Strings(members)
	return members
}

// OccupantConns returns a snapshot of the connections occupying room.
// Fan-out iterates the snapshot so that teardown triggered mid-delivery
// cannot mutate the set being walked.
func (m *Membership) OccupantConns(room string) []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.rooms[room])
}

// AllConns returns a snapshot of every known connection, with or
// without a session.
func (m *Membership) AllConns() []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.conns)
}

// AllRoomNames returns the sorted names of every room ever created,
// including rooms that are currently empty.
func (m *Membership) AllRoomNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := lo.Keys(m.rooms)
	sort.Strings(names)
	return names
}

// Removal describes what RemoveConnection tore down, so the caller can
// emit the right departure notices.
type Removal struct {
	// Known reports whether the connection was registered at all.
	Known bool
	// Name is the session's display name, if one existed.
	Name string
	// HadSession reports whether a login binding was removed.
	HadSession bool
	// Room is the room the session occupied, if any.
	Room string
	// InRoom reports whether a room occupancy was removed.
	InRoom bool
}

// RemoveConnection tears down conn's session and room occupancy in one
// atomic step. Safe to call for a connection that was never registered
// or has already been removed; the returned Removal reports exactly
// what existed so repeated calls are observable no-ops.
func (m *Membership) RemoveConnection(conn Conn) Removal {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := conn.ID()
	var r Removal
	if _, ok := m.conns[id]; !ok {
		return r
	}
	r.Known = true
	delete(m.conns, id)

	name, ok := m.names[id]
	if !ok {
		return r
	}
	r.Name = name
	r.HadSession = true
	delete(m.names, id)

	room, ok := m.currentRoom[name]
	if !ok {
		return r
	}
	r.Room = room
	r.InRoom = true
	delete(m.currentRoom, name)
	if occupants, ok := m.rooms[room]; ok {
		delete(occupants, id)
	}
	return r
}

// ConnectionCount returns the number of known connections.
func (m *Membership) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SessionCount returns the number of active login bindings.
func (m *Membership) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.names)
}
