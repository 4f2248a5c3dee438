package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/manforowicz/gday/internal/protocol"
)

// writeTimeout bounds a single reply.
const writeTimeout = 10 * time.Second

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.log.WithField("from", conn.RemoteAddr()).Debug("Client disconnected")
	}()

	origin, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		s.log.WithError(err).Warn("Unparseable remote address")
		return
	}
	// 4-mapped-in-6 addresses should land in the v4 contact slot
	origin = netip.AddrPortFrom(origin.Addr().Unmap(), origin.Port())

	stream := conn
	if s.tlsConf != nil {
		tlsConn := tls.Server(conn, s.tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.log.WithError(err).WithField("from", origin).Debug("TLS handshake failed")
			return
		}
		stream = tlsConn
	}

	// flooding IPs get one typed error and nothing else
	if s.state.Exceeded(origin.Addr()) {
		_ = s.reply(stream, &protocol.ErrorTooManyRequests{})
		return
	}

	for {
		// a connection may legitimately idle while its owner waits for
		// the peer, but never longer than a room can live
		if err := stream.SetReadDeadline(time.Now().Add(s.cfg.RoomTTL + 30*time.Second)); err != nil {
			return
		}
		msg, err := protocol.Read(stream)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMsgTooLong) || isDecodeError(err) {
				_ = s.reply(stream, &protocol.ErrorSyntax{})
			}
			return
		}
		if !s.handleMessage(ctx, stream, origin, msg) {
			return
		}
	}
}

// handleMessage processes one request and reports whether the
// connection should keep serving. Error replies always close.
func (s *Server) handleMessage(ctx context.Context, stream net.Conn, origin netip.AddrPort, msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.CreateRoom:
		if err := s.state.CreateRoom(m.RoomCode, origin.Addr()); err != nil {
			s.log.WithError(err).WithField("room", m.RoomCode).Debug("CreateRoom rejected")
			_ = s.reply(stream, errorReply(err))
			return false
		}
		s.log.WithField("room", m.RoomCode).Info("Room created")
		return s.reply(stream, &protocol.RoomCreated{})

	case *protocol.SendAddr:
		err := s.state.RecordAddr(m.RoomCode, m.IsCreator, m.Family, origin, m.Private, origin.Addr())
		if err != nil {
			s.log.WithError(err).WithField("room", m.RoomCode).Debug("SendAddr rejected")
			_ = s.reply(stream, errorReply(err))
			return false
		}
		return s.reply(stream, &protocol.ReceivedAddr{})

	case *protocol.DoneSending:
		contact, peerCh, err := s.state.ClientDone(m.RoomCode, m.IsCreator, origin.Addr())
		if err != nil {
			s.log.WithError(err).WithField("room", m.RoomCode).Debug("DoneSending rejected")
			_ = s.reply(stream, errorReply(err))
			return false
		}
		if !s.reply(stream, &protocol.ClientContact{Full: contact}) {
			return false
		}

		// park until the peer is done too, or the room dies
		select {
		case peer, ok := <-peerCh:
			if !ok {
				s.log.WithField("room", m.RoomCode).Info("Room timed out with one waiter")
				_ = s.reply(stream, &protocol.ErrorPeerTimedOut{})
				return false
			}
			s.log.WithField("room", m.RoomCode).Info("Contacts exchanged")
			_ = s.reply(stream, &protocol.PeerContact{Full: peer})
			return false
		case <-ctx.Done():
			return false
		}

	default:
		_ = s.reply(stream, &protocol.ErrorSyntax{})
		return false
	}
}

func (s *Server) reply(conn net.Conn, msg protocol.Message) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}
	if err := protocol.Write(conn, msg); err != nil {
		s.log.WithError(err).Debug("Failed to send reply")
		return false
	}
	return true
}

func errorReply(err error) protocol.Message {
	switch {
	case errors.Is(err, ErrRoomTaken):
		return &protocol.ErrorRoomTaken{}
	case errors.Is(err, ErrNoSuchRoom):
		return &protocol.ErrorNoSuchRoomCode{}
	case errors.Is(err, ErrTooManyRequests):
		return &protocol.ErrorTooManyRequests{}
	case errors.Is(err, ErrUnexpectedMsg):
		return &protocol.ErrorUnexpectedMsg{}
	default:
		return &protocol.ErrorSyntax{}
	}
}

// isDecodeError distinguishes malformed frames from plain transport
// failures, which don't deserve a reply.
func isDecodeError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	var netErr net.Error
	return !errors.As(err, &netErr)
}
