package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/manforowicz/gday/internal/protocol"
)

// Server-sourced failures, decoded from error replies.
var (
	ErrRoomTaken       = errors.New("room code is already taken on the server")
	ErrNoSuchRoom      = errors.New("server doesn't know this room code")
	ErrPeerTimedOut    = errors.New("peer didn't finish sharing before the room expired")
	ErrTooManyRequests = errors.New("server rejected this IP for sending too many requests")
	ErrUnexpectedReply = errors.New("unexpected reply from server")
)

// ShareContacts runs this client's publishing phase: optionally creates
// the room, deposits each family's private endpoint, and declares the
// phase done. It returns the contact the server accumulated for this
// client. Call AwaitPeerContact next; the connection must stay open
// until then.
func (c *ServerConnection) ShareContacts(ctx context.Context, roomCode uint64, isCreator bool) (protocol.FullContact, error) {
	var zero protocol.FullContact
	streams := c.messengers()
	if len(streams) == 0 {
		return zero, errors.New("server connection has no streams")
	}

	if isCreator {
		if err := streams[0].Send(&protocol.CreateRoom{RoomCode: roomCode}); err != nil {
			return zero, err
		}
		reply, err := streams[0].Receive(ctx)
		if err != nil {
			return zero, err
		}
		if _, ok := reply.(*protocol.RoomCreated); !ok {
			return zero, replyError(reply)
		}
		c.log.WithField("room", roomCode).Debug("Room created on server")
	}

	for _, m := range streams {
		local, err := m.LocalAddr()
		if err != nil {
			return zero, err
		}
		family := protocol.FamilyV4
		if local.Addr().Is6() {
			family = protocol.FamilyV6
		}
		msg := &protocol.SendAddr{
			RoomCode:  roomCode,
			IsCreator: isCreator,
			Family:    family,
			Private:   &local,
		}
		if err := m.Send(msg); err != nil {
			return zero, err
		}
		reply, err := m.Receive(ctx)
		if err != nil {
			return zero, err
		}
		if _, ok := reply.(*protocol.ReceivedAddr); !ok {
			return zero, replyError(reply)
		}
	}

	if err := streams[0].Send(&protocol.DoneSending{RoomCode: roomCode, IsCreator: isCreator}); err != nil {
		return zero, err
	}
	reply, err := streams[0].Receive(ctx)
	if err != nil {
		return zero, err
	}
	contact, ok := reply.(*protocol.ClientContact)
	if !ok {
		return zero, replyError(reply)
	}
	c.log.WithField("contact", contact.Full).Info("Server confirmed own contact")
	return contact.Full, nil
}

// AwaitPeerContact blocks until the server forwards the peer's contact
// on the stream that carried DoneSending, or the room times out.
func (c *ServerConnection) AwaitPeerContact(ctx context.Context) (protocol.FullContact, error) {
	var zero protocol.FullContact
	streams := c.messengers()
	if len(streams) == 0 {
		return zero, errors.New("server connection has no streams")
	}

	reply, err := streams[0].Receive(ctx)
	if err != nil {
		return zero, err
	}
	peer, ok := reply.(*protocol.PeerContact)
	if !ok {
		return zero, replyError(reply)
	}
	c.log.WithField("contact", peer.Full).Info("Received peer contact")
	return peer.Full, nil
}

func replyError(msg protocol.Message) error {
	switch msg.(type) {
	case *protocol.ErrorRoomTaken:
		return ErrRoomTaken
	case *protocol.ErrorNoSuchRoomCode:
		return ErrNoSuchRoom
	case *protocol.ErrorPeerTimedOut:
		return ErrPeerTimedOut
	case *protocol.ErrorTooManyRequests:
		return ErrTooManyRequests
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, msg.Type())
	}
}
