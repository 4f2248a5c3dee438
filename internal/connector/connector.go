// Package connector implements the client side of the contact exchange
// protocol: connecting to a rendezvous server on both address families,
// publishing this host's endpoints, and receiving the peer's contact.
//
// Every TCP socket opened here has address and port reuse enabled,
// because its local port is what the hole punch engine later listens
// and dials from. The NAT mapping the server observes must match the
// mapping the peer will target.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/manforowicz/gday/internal/logger"
	"github.com/manforowicz/gday/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoServerReached means every server in the list failed.
	ErrNoServerReached = errors.New("could not connect to any contact exchange server")
	// ErrUnknownServerID means a share code named a server this build
	// doesn't know.
	ErrUnknownServerID = errors.New("no server with this ID in the server list")
)

// Config controls how the connector dials.
type Config struct {
	// Timeout bounds a single TCP connect or TLS handshake. Default 5s.
	Timeout time.Duration
	Logger  *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	return c
}

// Messenger is one framed-message stream to a server.
type Messenger struct {
	tcp    net.Conn // the raw socket; its local port is reused for punching
	stream net.Conn // tcp, or the TLS session on top of it
}

// Send writes one framed message.
func (m *Messenger) Send(msg protocol.Message) error {
	return protocol.Write(m.stream, msg)
}

// Receive reads the next framed message. Cancelling ctx interrupts a
// blocked read.
func (m *Messenger) Receive(ctx context.Context) (protocol.Message, error) {
	deadline, _ := ctx.Deadline()
	if err := m.stream.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = m.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, err := protocol.Read(m.stream)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return msg, err
}

// LocalAddr is the reusable local endpoint of the underlying socket.
func (m *Messenger) LocalAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(m.tcp.LocalAddr().String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func (m *Messenger) Close() error {
	return m.stream.Close()
}

// ServerConnection holds up to one messenger per address family.
type ServerConnection struct {
	V4 *Messenger
	V6 *Messenger

	log *logrus.Logger
}

// Close closes both family streams.
func (c *ServerConnection) Close() error {
	var firstErr error
	for _, m := range c.messengers() {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// messengers returns the live streams in a stable order: v6 first.
// Index zero is the stream used for room control messages, and the one
// PeerContact later arrives on.
func (c *ServerConnection) messengers() []*Messenger {
	var ms []*Messenger
	if c.V6 != nil {
		ms = append(ms, c.V6)
	}
	if c.V4 != nil {
		ms = append(ms, c.V4)
	}
	return ms
}

// LocalContact reports the local endpoints of the underlying sockets,
// one per connected family.
func (c *ServerConnection) LocalContact() (protocol.Contact, error) {
	var contact protocol.Contact
	if c.V4 != nil {
		ap, err := c.V4.LocalAddr()
		if err != nil {
			return contact, err
		}
		contact.V4 = &ap
	}
	if c.V6 != nil {
		ap, err := c.V6.LocalAddr()
		if err != nil {
			return contact, err
		}
		contact.V6 = &ap
	}
	return contact, nil
}

// ConnectToRandomServer tries the listed servers in random order and
// returns the first connection, along with the chosen server's ID.
func ConnectToRandomServer(ctx context.Context, servers []ServerInfo, cfg Config) (*ServerConnection, uint64, error) {
	cfg = cfg.withDefaults()

	order := rand.Perm(len(servers))
	for _, i := range order {
		srv := servers[i]
		conn, err := ConnectToServer(ctx, srv, cfg)
		if err != nil {
			cfg.Logger.WithError(err).WithField("server", srv.Domain).Warn("Server unreachable, trying next")
			continue
		}
		return conn, srv.ID, nil
	}
	return nil, 0, ErrNoServerReached
}

// ConnectToServerID connects to the listed server with the given ID.
func ConnectToServerID(ctx context.Context, servers []ServerInfo, id uint64, cfg Config) (*ServerConnection, error) {
	srv, ok := ServerByID(servers, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownServerID, id)
	}
	return ConnectToServer(ctx, srv, cfg.withDefaults())
}

// ConnectToServer opens an independent transport per address family
// that resolves. At least one family must connect.
func ConnectToServer(ctx context.Context, srv ServerInfo, cfg Config) (*ServerConnection, error) {
	cfg = cfg.withDefaults()
	conn := &ServerConnection{log: cfg.Logger}

	var lastErr error
	for _, network := range []string{"tcp4", "tcp6"} {
		m, err := dialFamily(ctx, network, srv, cfg)
		if err != nil {
			lastErr = err
			cfg.Logger.WithError(err).WithFields(logrus.Fields{
				"server": srv.Domain, "network": network,
			}).Debug("Family did not connect")
			continue
		}
		if network == "tcp4" {
			conn.V4 = m
		} else {
			conn.V6 = m
		}
	}

	if conn.V4 == nil && conn.V6 == nil {
		if lastErr == nil {
			lastErr = errors.New("no route")
		}
		return nil, fmt.Errorf("connecting to %s: %w", srv.Domain, lastErr)
	}
	return conn, nil
}

func dialFamily(ctx context.Context, network string, srv ServerInfo, cfg Config) (*Messenger, error) {
	d := net.Dialer{
		Control: reuseport.Control,
		Timeout: cfg.Timeout,
	}
	addr := fmt.Sprintf("%s:%d", srv.Domain, srv.Port)
	tcp, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	stream := tcp
	if srv.TLS {
		tlsConn := tls.Client(tcp, &tls.Config{
			ServerName: srv.Domain,
			MinVersion: tls.VersionTLS12,
		})
		hsCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			_ = tcp.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", srv.Domain, err)
		}
		stream = tlsConn
	}
	return &Messenger{tcp: tcp, stream: stream}, nil
}
