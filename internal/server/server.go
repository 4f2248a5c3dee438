// Package server implements the contact exchange rendezvous service.
// Two clients deposit the socket addresses they know about themselves
// in a shared room; once both declare themselves done, each receives
// the other's full contact and the room is destroyed. The server never
// carries payload.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/manforowicz/gday/internal/logger"
	"github.com/manforowicz/gday/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Config holds the server's startup settings.
type Config struct {
	// Addresses to listen on. Defaults to port 2311 on all interfaces,
	// both families.
	Addresses []string
	// CertFile and KeyFile are PEM paths for TLS. Required unless
	// Unencrypted is set.
	CertFile string
	KeyFile  string
	// Unencrypted accepts plain TCP instead of TLS.
	Unencrypted bool
	// RoomTTL is how long a room may exist. Default 600s.
	RoomTTL time.Duration
	// RequestLimit is the per-IP per-minute cap on room creations and
	// unknown-code requests. Default 10.
	RequestLimit int
	Logger       *logrus.Logger
}

func (c Config) withDefaults() Config {
	if len(c.Addresses) == 0 {
		c.Addresses = []string{
			fmt.Sprintf("0.0.0.0:%d", protocol.DefaultPort),
			fmt.Sprintf("[::]:%d", protocol.DefaultPort),
		}
	}
	if c.RoomTTL == 0 {
		c.RoomTTL = 600 * time.Second
	}
	if c.RequestLimit == 0 {
		c.RequestLimit = 10
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	return c
}

// Server accepts rendezvous connections and pairs clients up.
type Server struct {
	cfg       Config
	log       *logrus.Logger
	state     *State
	tlsConf   *tls.Config
	listeners []net.Listener
}

// NewServer validates cfg, loads TLS material, and binds the listening
// sockets, so that Addrs is usable before Start.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	var tlsConf *tls.Config
	if !cfg.Unencrypted {
		var err error
		tlsConf, err = loadTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		state:   NewState(cfg.RequestLimit, cfg.RoomTTL),
		tlsConf: tlsConf,
	}

	for _, addr := range cfg.Addresses {
		ln, err := listen(addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}
	return s, nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Close shuts the listening sockets.
func (s *Server) Close() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	for _, addr := range s.Addrs() {
		s.log.WithField("addr", addr).Info("Rendezvous server listening")
	}
	s.log.WithFields(logrus.Fields{
		"encrypted":     !s.cfg.Unencrypted,
		"room_ttl":      s.cfg.RoomTTL,
		"request_limit": s.cfg.RequestLimit,
	}).Info("Server running")

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var wg sync.WaitGroup
	for _, ln := range s.listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, ln)
		}(ln)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Error("Failed to accept connection")
			return
		}
		s.log.WithField("from", conn.RemoteAddr()).Debug("Client connected")
		go s.handleConn(ctx, conn)
	}
}

// listen binds one address, keeping v6 sockets v6-only so the default
// address pair can share a port.
func listen(addr string) (net.Listener, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, err
	}
	network := "tcp4"
	if ap.Addr().Is6() && !ap.Addr().Is4In6() {
		network = "tcp6"
	}
	return net.Listen(network, addr)
}
