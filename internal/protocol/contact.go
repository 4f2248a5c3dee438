package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Contact holds the socket addresses a single host is reachable on.
// Either family may be absent.
type Contact struct {
	V4 *netip.AddrPort `json:"v4,omitempty"`
	V6 *netip.AddrPort `json:"v6,omitempty"`
}

// Get returns the endpoint for the given family, or nil.
func (c Contact) Get(f Family) *netip.AddrPort {
	if f == FamilyV6 {
		return c.V6
	}
	return c.V4
}

// Set stores ap under its own address family.
func (c *Contact) Set(ap netip.AddrPort) {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		c.V4 = &ap
	} else {
		c.V6 = &ap
	}
}

// Empty reports whether neither family has an endpoint.
func (c Contact) Empty() bool {
	return c.V4 == nil && c.V6 == nil
}

func (c Contact) String() string {
	v4, v6 := "none", "none"
	if c.V4 != nil {
		v4 = c.V4.String()
	}
	if c.V6 != nil {
		v6 = c.V6.String()
	}
	return fmt.Sprintf("IPv4: %s, IPv6: %s", v4, v6)
}

// sortKey flattens a contact into a byte string that orders v6 endpoints
// before v4 ones, then by address and port.
func (c Contact) sortKey() []byte {
	key := make([]byte, 0, 2*19)
	for _, ep := range []*netip.AddrPort{c.V6, c.V4} {
		if ep == nil {
			// absent endpoints sort last within their family slot
			key = append(key, 0xff)
			continue
		}
		key = append(key, 0x00)
		addr := ep.Addr().As16()
		key = append(key, addr[:]...)
		key = binary.BigEndian.AppendUint16(key, ep.Port())
	}
	return key
}

// FullContact pairs what a client reported about itself (private) with
// what the server observed (public).
type FullContact struct {
	Private Contact `json:"private"`
	Public  Contact `json:"public"`
}

func (f FullContact) String() string {
	return fmt.Sprintf("private: (%s), public: (%s)", f.Private, f.Public)
}

// Compare orders two full contacts by their public endpoints,
// falling back to private endpoints on a tie. Both peers evaluate this
// on identical data, so they always agree which of them leads the
// encryption handshake.
func (f FullContact) Compare(o FullContact) int {
	if d := compareBytes(f.Public.sortKey(), o.Public.sortKey()); d != 0 {
		return d
	}
	return compareBytes(f.Private.sortKey(), o.Private.sortKey())
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
