package client

import (
	"context"
	"net"

	"github.com/manforowicz/gday/internal/connector"
	"github.com/manforowicz/gday/internal/crypto"
	"github.com/manforowicz/gday/internal/punch"
	"github.com/manforowicz/gday/internal/sharecode"
	"github.com/sirupsen/logrus"
)

// EstablishPeer completes the rendezvous on an open server connection,
// punches through to the peer, and wraps the surviving socket in the
// encrypted stream. The server connection is consumed: its local ports
// are what the punch listens and dials from, and it is closed once the
// peer connection exists.
func EstablishPeer(ctx context.Context, conn *connector.ServerConnection, code sharecode.ShareCode, isCreator bool, log *logrus.Logger) (net.Conn, *crypto.Stream, error) {
	defer conn.Close()

	mine, err := conn.ShareContacts(ctx, code.RoomCode, isCreator)
	if err != nil {
		return nil, nil, err
	}
	peer, err := conn.AwaitPeerContact(ctx)
	if err != nil {
		return nil, nil, err
	}

	local, err := conn.LocalContact()
	if err != nil {
		return nil, nil, err
	}
	peerConn, key, err := punch.Connect(ctx, local, peer, code.SharedSecret, punch.Config{Logger: log})
	if err != nil {
		return nil, nil, err
	}

	// Which side writes the nonce prefix is settled by comparing the
	// contacts both sides already hold, no extra round trip needed.
	lead := mine.Compare(peer) < 0
	stream, err := crypto.NewStream(peerConn, key, lead)
	if err != nil {
		_ = peerConn.Close()
		return nil, nil, err
	}
	return peerConn, stream, nil
}
