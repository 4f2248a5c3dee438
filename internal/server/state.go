package server

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/manforowicz/gday/internal/protocol"
)

var (
	ErrRoomTaken       = errors.New("room code is taken")
	ErrNoSuchRoom      = errors.New("no room with this code")
	ErrTooManyRequests = errors.New("request limit exceeded")
	ErrUnexpectedMsg   = errors.New("message not valid in this room state")
	ErrBadFamily       = errors.New("unknown address family")
)

// slot is one client's half of a room.
type slot struct {
	contact protocol.FullContact
	// waiter is nil until the client sends DoneSending. Once set, it
	// delivers the peer's contact, or is closed if the room times out.
	waiter chan protocol.FullContact
}

type room struct {
	creator slot
	joiner  slot
	timer   *time.Timer
}

func (r *room) slot(isCreator bool) *slot {
	if isCreator {
		return &r.creator
	}
	return &r.joiner
}

// State is the shared state of a rendezvous server: the live rooms and
// the per-IP request limiter. Nothing survives a restart.
type State struct {
	mu      sync.Mutex
	rooms   map[uint64]*room
	limiter *limiter
	ttl     time.Duration
}

// NewState creates server state with the given per-IP minute limit and
// room time-to-live.
func NewState(requestLimit int, ttl time.Duration) *State {
	return &State{
		rooms:   make(map[uint64]*room),
		limiter: newLimiter(requestLimit),
		ttl:     ttl,
	}
}

// CreateRoom opens a new empty room. The room destroys itself after the
// TTL unless pairing completes first.
func (s *State) CreateRoom(code uint64, origin netip.Addr) error {
	if !s.limiter.allow(origin) {
		return ErrTooManyRequests
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.rooms[code]; taken {
		return ErrRoomTaken
	}
	r := &room{}
	r.timer = time.AfterFunc(s.ttl, func() { s.expire(code) })
	s.rooms[code] = r
	return nil
}

// RecordAddr stores a client's endpoints: the public one as observed on
// the connection, and optionally the private one the client reported
// for the given family. Allowed repeatedly until the slot is done.
func (s *State) RecordAddr(code uint64, isCreator bool, family protocol.Family, public netip.AddrPort, private *netip.AddrPort, origin netip.Addr) error {
	if family != protocol.FamilyV4 && family != protocol.FamilyV6 {
		return ErrBadFamily
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	if !ok {
		return s.unknownRoom(origin)
	}
	sl := r.slot(isCreator)
	if sl.waiter != nil {
		return ErrUnexpectedMsg
	}

	sl.contact.Public.Set(public)
	if private != nil {
		if family == protocol.FamilyV6 {
			sl.contact.Private.V6 = private
		} else {
			sl.contact.Private.V4 = private
		}
	}
	return nil
}

// ClientDone marks a slot complete. It returns the contact the server
// accumulated for this client, plus a channel that yields the peer's
// contact once the peer is done too, or closes on room timeout.
// When the second slot completes, the room is destroyed.
func (s *State) ClientDone(code uint64, isCreator bool, origin netip.Addr) (protocol.FullContact, <-chan protocol.FullContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	if !ok {
		return protocol.FullContact{}, nil, s.unknownRoom(origin)
	}
	sl := r.slot(isCreator)
	if sl.waiter != nil {
		return protocol.FullContact{}, nil, ErrUnexpectedMsg
	}

	ch := make(chan protocol.FullContact, 1)
	sl.waiter = ch

	other := r.slot(!isCreator)
	if other.waiter != nil {
		// both sides are done: swap contacts and retire the room
		other.waiter <- sl.contact
		ch <- other.contact
		r.timer.Stop()
		delete(s.rooms, code)
	}
	return sl.contact, ch, nil
}

// RoomCount reports the number of live rooms.
func (s *State) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Exceeded reports whether origin is over the request limit.
func (s *State) Exceeded(origin netip.Addr) bool {
	return s.limiter.exceeded(origin)
}

// expire tears down a room whose TTL fired, waking any parked
// DoneSending handlers with a closed channel.
func (s *State) expire(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	if !ok {
		return
	}
	for _, sl := range []*slot{&r.creator, &r.joiner} {
		if sl.waiter != nil {
			close(sl.waiter)
		}
	}
	delete(s.rooms, code)
}

// unknownRoom counts a reference to a nonexistent room against the
// origin's limit, since probing room codes is how abuse looks.
func (s *State) unknownRoom(origin netip.Addr) error {
	if !s.limiter.allow(origin) {
		return ErrTooManyRequests
	}
	return ErrNoSuchRoom
}
