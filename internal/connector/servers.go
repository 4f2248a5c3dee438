package connector

import (
	"github.com/manforowicz/gday/internal/protocol"
)

// ServerInfo describes one entry of the compiled-in server list.
type ServerInfo struct {
	// ID is how peers name this server inside a share code. Zero is
	// reserved for custom servers passed on the command line.
	ID uint64
	// Domain is the DNS name used for dialing, SNI, and certificate
	// verification.
	Domain string
	// Port the server listens on.
	Port uint16
	// TLS is false only for test or legacy deployments.
	TLS bool
}

// DefaultServers is the ordered list both peers ship with. Lookup by ID
// must stay total on this list, so entries are never removed, only
// superseded.
var DefaultServers = []ServerInfo{
	{ID: 1, Domain: "gday.manforowicz.com", Port: protocol.DefaultPort, TLS: true},
}

// ServerByID finds a server in the list.
func ServerByID(servers []ServerInfo, id uint64) (ServerInfo, bool) {
	for _, s := range servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerInfo{}, false
}
