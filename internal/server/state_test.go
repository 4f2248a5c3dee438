package server

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/manforowicz/gday/internal/protocol"
)

var (
	originA = netip.MustParseAddr("198.51.100.1")
	originB = netip.MustParseAddr("198.51.100.2")
)

func newTestState() *State {
	return NewState(10, time.Minute)
}

func TestCreateRoomTaken(t *testing.T) {
	s := newTestState()
	if err := s.CreateRoom(42, originA); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRoom(42, originB); !errors.Is(err, ErrRoomTaken) {
		t.Errorf("got %v, want ErrRoomTaken", err)
	}
}

func TestUnknownRoom(t *testing.T) {
	s := newTestState()
	err := s.RecordAddr(7, true, protocol.FamilyV4,
		netip.MustParseAddrPort("203.0.113.1:1000"), nil, originA)
	if !errors.Is(err, ErrNoSuchRoom) {
		t.Errorf("got %v, want ErrNoSuchRoom", err)
	}
	if _, _, err := s.ClientDone(7, true, originA); !errors.Is(err, ErrNoSuchRoom) {
		t.Errorf("got %v, want ErrNoSuchRoom", err)
	}
}

func TestContactExchange(t *testing.T) {
	s := newTestState()
	if err := s.CreateRoom(1, originA); err != nil {
		t.Fatal(err)
	}

	creatorPub := netip.MustParseAddrPort("203.0.113.1:1111")
	creatorPriv := netip.MustParseAddrPort("192.168.1.2:1111")
	joinerPub := netip.MustParseAddrPort("203.0.113.2:2222")

	err := s.RecordAddr(1, true, protocol.FamilyV4, creatorPub, &creatorPriv, originA)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAddr(1, false, protocol.FamilyV4, joinerPub, nil, originB); err != nil {
		t.Fatal(err)
	}

	creatorContact, creatorCh, err := s.ClientDone(1, true, originA)
	if err != nil {
		t.Fatal(err)
	}
	if creatorContact.Public.V4 == nil || *creatorContact.Public.V4 != creatorPub {
		t.Errorf("creator public = %v", creatorContact.Public)
	}
	if creatorContact.Private.V4 == nil || *creatorContact.Private.V4 != creatorPriv {
		t.Errorf("creator private = %v", creatorContact.Private)
	}

	joinerContact, joinerCh, err := s.ClientDone(1, false, originB)
	if err != nil {
		t.Fatal(err)
	}

	// each waiter receives exactly the contact the other deposited
	select {
	case got := <-creatorCh:
		if got.String() != joinerContact.String() {
			t.Errorf("creator got %s, want %s", got, joinerContact)
		}
	default:
		t.Fatal("creator channel should be ready")
	}
	select {
	case got := <-joinerCh:
		if got.String() != creatorContact.String() {
			t.Errorf("joiner got %s, want %s", got, creatorContact)
		}
	default:
		t.Fatal("joiner channel should be ready")
	}

	if s.RoomCount() != 0 {
		t.Error("room should be destroyed after pairing")
	}
}

func TestSendAddrAfterDoneRejected(t *testing.T) {
	s := newTestState()
	if err := s.CreateRoom(1, originA); err != nil {
		t.Fatal(err)
	}
	pub := netip.MustParseAddrPort("203.0.113.1:1000")
	if _, _, err := s.ClientDone(1, true, originA); err != nil {
		t.Fatal(err)
	}
	err := s.RecordAddr(1, true, protocol.FamilyV4, pub, nil, originA)
	if !errors.Is(err, ErrUnexpectedMsg) {
		t.Errorf("got %v, want ErrUnexpectedMsg", err)
	}
}

func TestRoomExpiry(t *testing.T) {
	s := NewState(10, 30*time.Millisecond)
	if err := s.CreateRoom(9, originA); err != nil {
		t.Fatal(err)
	}
	_, ch, err := s.ClientDone(9, true, originA)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got a contact")
		}
	case <-time.After(time.Second):
		t.Fatal("room never expired")
	}
	if s.RoomCount() != 0 {
		t.Error("expired room should be gone")
	}
}

func TestRateLimiterCreateRoom(t *testing.T) {
	s := NewState(3, time.Minute)
	for i := uint64(0); i < 3; i++ {
		if err := s.CreateRoom(i, originA); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := s.CreateRoom(99, originA); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("got %v, want ErrTooManyRequests", err)
	}
	// a different IP is unaffected
	if err := s.CreateRoom(100, originB); err != nil {
		t.Errorf("other IP should pass: %v", err)
	}
}

func TestRateLimiterCountsUnknownCodes(t *testing.T) {
	s := NewState(3, time.Minute)
	pub := netip.MustParseAddrPort("203.0.113.1:1000")
	for i := 0; i < 3; i++ {
		if err := s.RecordAddr(1234, true, protocol.FamilyV4, pub, nil, originA); !errors.Is(err, ErrNoSuchRoom) {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	err := s.RecordAddr(1234, true, protocol.FamilyV4, pub, nil, originA)
	if !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("got %v, want ErrTooManyRequests", err)
	}
	if !s.Exceeded(originA) {
		t.Error("origin should now be marked over the limit")
	}
}

func TestRateLimiterIgnoresInRoomTraffic(t *testing.T) {
	s := NewState(1, time.Minute)
	if err := s.CreateRoom(5, originA); err != nil {
		t.Fatal(err)
	}
	// the single allowed request is spent; in-room messages still work
	pub := netip.MustParseAddrPort("203.0.113.1:1000")
	for i := 0; i < 20; i++ {
		if err := s.RecordAddr(5, true, protocol.FamilyV4, pub, nil, originA); err != nil {
			t.Fatalf("in-room request %d: %v", i, err)
		}
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := newLimiter(2)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	ip := netip.MustParseAddr("198.51.100.7")
	if !l.allow(ip) || !l.allow(ip) {
		t.Fatal("first two should pass")
	}
	if l.allow(ip) {
		t.Fatal("third within window should fail")
	}

	now = now.Add(61 * time.Second)
	if !l.allow(ip) {
		t.Error("requests should pass again after the window")
	}
	if l.exceeded(ip) {
		t.Error("old events should have been pruned")
	}
}
