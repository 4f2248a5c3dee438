// Package punch establishes a direct TCP connection between two peers
// behind NATs. It reuses the local port that was already registered
// with the contact exchange server, simultaneously accepting and
// dialing on every candidate endpoint, and authenticates whichever
// connection completes first with SPAKE2 over the shared secret.
package punch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/manforowicz/gday/internal/logger"
	"github.com/manforowicz/gday/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Config controls one punch attempt.
type Config struct {
	// Timeout bounds the whole attempt. Default 10s.
	Timeout time.Duration
	// RetryInterval is the initial pause between failed dials on one
	// candidate; it doubles after every failure. Default 200ms.
	RetryInterval time.Duration
	// DialTimeout bounds a single connect attempt. Default 2s.
	DialTimeout time.Duration
	Logger      *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	return c
}

// ErrNoLocalEndpoints means the local contact had no usable endpoint.
var ErrNoLocalEndpoints = errors.New("local contact has no endpoints")

// candidate is one peer endpoint this engine will dial.
type candidate struct {
	label   string
	local   netip.AddrPort
	remote  netip.AddrPort
	private bool
}

type result struct {
	conn    net.Conn
	key     [32]byte
	private bool
}

type engine struct {
	secret  uint64
	cfg     Config
	outs    *outcomes
	results chan result
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

// Connect runs the hole punch. local is this host's private contact as
// used toward the server (the reusable local ports); peer is the full
// contact the server reported for the other client. On success it
// returns the surviving authenticated socket and the strong session
// key SPAKE2 derived from the weak shared secret.
func Connect(ctx context.Context, local protocol.Contact, peer protocol.FullContact, secret uint64, cfg Config) (net.Conn, [32]byte, error) {
	var zero [32]byte
	cfg = cfg.withDefaults()

	if local.Empty() {
		return nil, zero, ErrNoLocalEndpoints
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	e := &engine{
		secret:  secret,
		cfg:     cfg,
		outs:    newOutcomes(),
		results: make(chan result, 16),
		active:  make(map[net.Conn]struct{}),
	}

	var candidates []candidate
	var listeners []net.Listener
	for _, family := range []protocol.Family{protocol.FamilyV4, protocol.FamilyV6} {
		lp := local.Get(family)
		if lp == nil {
			continue
		}
		ln, err := e.listen(ctx, *lp)
		if err != nil {
			cfg.Logger.WithError(err).WithField("addr", lp).Warn("Could not listen for peer")
			continue
		}
		listeners = append(listeners, ln)

		if p := peer.Private.Get(family); p != nil {
			candidates = append(candidates, candidate{
				label:   fmt.Sprintf("peer private %s %s", family, p),
				local:   *lp,
				remote:  *p,
				private: true,
			})
		}
		if p := peer.Public.Get(family); p != nil {
			candidates = append(candidates, candidate{
				label:  fmt.Sprintf("peer public %s %s", family, p),
				local:  *lp,
				remote: *p,
			})
		}
	}

	if len(listeners) == 0 {
		return nil, zero, ErrNoLocalEndpoints
	}
	for _, c := range candidates {
		e.outs.set(c.label, OutcomeNotTried)
	}

	for _, ln := range listeners {
		e.wg.Add(1)
		go e.acceptLoop(ctx, ln)
	}
	for _, c := range candidates {
		e.wg.Add(1)
		go e.dialLoop(ctx, c)
	}

	var winner *result
	select {
	case r := <-e.results:
		winner = &r
	case <-ctx.Done():
	}

	// Tie-break: if a connection over the peer's private endpoint
	// authenticated in the same instant, prefer it (same-LAN path).
	if winner != nil && !winner.private {
	drain:
		for {
			select {
			case r := <-e.results:
				if r.private && winner != nil {
					_ = winner.conn.Close()
					winner = &r
				} else {
					_ = r.conn.Close()
				}
			default:
				break drain
			}
		}
	}

	cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	var keep net.Conn
	if winner != nil {
		keep = winner.conn
	}
	e.closeActive(keep)
	e.wg.Wait()

	// late arrivals lost the race
	for {
		select {
		case r := <-e.results:
			_ = r.conn.Close()
			continue
		default:
		}
		break
	}

	if winner != nil {
		cfg.Logger.WithField("peer", winner.conn.RemoteAddr()).Info("Hole punch succeeded")
		return winner.conn, winner.key, nil
	}
	if e.outs.wrongSecretOnly() {
		return nil, zero, ErrWrongSecret
	}
	return nil, zero, &PunchError{Candidates: e.outs.snapshot()}
}

func (e *engine) listen(ctx context.Context, local netip.AddrPort) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: reuseport.Control,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     60 * time.Second,
			Interval: 10 * time.Second,
		},
	}
	return lc.Listen(ctx, network(local), local.String())
}

func (e *engine) acceptLoop(ctx context.Context, ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		label := "incoming " + conn.RemoteAddr().String()
		e.cfg.Logger.WithField("from", conn.RemoteAddr()).Debug("Accepted peer connection")
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.authenticate(ctx, conn, label, false)
		}()
	}
}

func (e *engine) dialLoop(ctx context.Context, c candidate) {
	defer e.wg.Done()
	pause := e.cfg.RetryInterval
	for {
		d := net.Dialer{
			LocalAddr: net.TCPAddrFromAddrPort(c.local),
			Control:   reuseport.Control,
			Timeout:   e.cfg.DialTimeout,
			KeepAliveConfig: net.KeepAliveConfig{
				Enable:   true,
				Idle:     60 * time.Second,
				Interval: 10 * time.Second,
			},
		}
		conn, err := d.DialContext(ctx, network(c.remote), c.remote.String())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.outs.set(c.label, OutcomeConnectFailed)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
			pause *= 2
			if pause > 3*time.Second {
				pause = 3 * time.Second
			}
			continue
		}
		e.cfg.Logger.WithFields(logrus.Fields{"from": c.local, "to": c.remote}).
			Debug("Connected to peer, authenticating")
		e.authenticate(ctx, conn, c.label, c.private)
		return
	}
}

func (e *engine) authenticate(ctx context.Context, conn net.Conn, label string, private bool) {
	e.track(conn)
	e.outs.set(label, OutcomeNoPake)

	key, out, err := verifyPeer(conn, e.secret)
	if err != nil {
		e.outs.set(label, out)
		e.cfg.Logger.WithError(err).WithField("candidate", label).Debug("Peer authentication failed")
		e.untrack(conn)
		_ = conn.Close()
		return
	}

	e.untrack(conn)
	select {
	case e.results <- result{conn: conn, key: key, private: private}:
	case <-ctx.Done():
		_ = conn.Close()
	}
}

func (e *engine) track(conn net.Conn) {
	e.mu.Lock()
	e.active[conn] = struct{}{}
	e.mu.Unlock()
}

func (e *engine) untrack(conn net.Conn) {
	e.mu.Lock()
	delete(e.active, conn)
	e.mu.Unlock()
}

// closeActive force-closes every connection still mid-authentication so
// their goroutines unblock promptly, sparing keep.
func (e *engine) closeActive(keep net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn := range e.active {
		if conn != keep {
			_ = conn.Close()
		}
	}
}

func network(ap netip.AddrPort) string {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		return "tcp4"
	}
	return "tcp6"
}
