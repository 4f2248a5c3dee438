// Package sharecode converts the {server, room, secret} triple that two
// peers must agree on into a short dotted string that can be read over
// the phone, and back.
package sharecode

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadShareCode means a string could not be parsed as a share code.
var ErrBadShareCode = errors.New("malformed share code")

// randomBound keeps random room codes and secrets at five base-36
// digits, e.g. "1.n5xn8.wvqsf".
const randomBound = 36 * 36 * 36 * 36 * 36

// ShareCode is the information two peers exchange out-of-band before
// they can find each other.
type ShareCode struct {
	// ServerID selects a contact exchange server from the compiled-in
	// list. Zero means a custom server that both peers know some other way.
	ServerID uint64
	// RoomCode identifies the room within the server.
	RoomCode uint64
	// SharedSecret authenticates the peer during hole punching and
	// seeds the session key. Never sent to the server.
	SharedSecret uint64
}

// New returns a ShareCode with the given server and random room code
// and secret.
func New(serverID uint64) (ShareCode, error) {
	room, err := randomUint64(randomBound)
	if err != nil {
		return ShareCode{}, err
	}
	secret, err := randomUint64(randomBound)
	if err != nil {
		return ShareCode{}, err
	}
	return ShareCode{ServerID: serverID, RoomCode: room, SharedSecret: secret}, nil
}

// String renders the code as three lower-case base-36 groups joined
// by dots.
func (c ShareCode) String() string {
	return strconv.FormatUint(c.ServerID, 36) +
		"." + strconv.FormatUint(c.RoomCode, 36) +
		"." + strconv.FormatUint(c.SharedSecret, 36)
}

// Parse is the inverse of String. Any syntax problem returns an error
// wrapping ErrBadShareCode.
func Parse(s string) (ShareCode, error) {
	groups := strings.Split(strings.ToLower(strings.TrimSpace(s)), ".")
	if len(groups) != 3 {
		return ShareCode{}, fmt.Errorf("%w: expected 3 dot-separated groups, got %d",
			ErrBadShareCode, len(groups))
	}

	var vals [3]uint64
	for i, g := range groups {
		v, err := strconv.ParseUint(g, 36, 64)
		if err != nil {
			return ShareCode{}, fmt.Errorf("%w: group %q: %v", ErrBadShareCode, g, err)
		}
		vals[i] = v
	}
	return ShareCode{ServerID: vals[0], RoomCode: vals[1], SharedSecret: vals[2]}, nil
}

func randomUint64(bound uint64) (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]) % bound, nil
}
