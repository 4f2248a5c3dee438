package punch

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"salsa.debian.org/vasudev/gospake2"
)

// pakeIdentity is the fixed protocol identifier mixed into SPAKE2.
// Neither side carries a role label, so both peers run the symmetric
// variant with the same identity.
const pakeIdentity = "gday"

// authTimeout bounds a single connection's key exchange.
const authTimeout = 5 * time.Second

var errWrongConfirmation = errors.New("confirmation tag mismatch")

// secretBytes widens the 64-bit shared secret to the group's scalar
// size. Both peers must produce identical bytes here.
func secretBytes(secret uint64) [32]byte {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[:8], secret)
	return buf
}

func pakePassword(secret uint64) gospake2.Password {
	b := secretBytes(secret)
	return gospake2.NewPassword(string(b[:]))
}

// verifyPeer runs SPAKE2 over conn and confirms both sides derived the
// same session key. SPAKE2 messages travel as a 1-byte length prefix
// followed by the group element; they are small and must not be
// confused with the encrypted stream's 2-byte segment headers that
// follow later.
func verifyPeer(conn net.Conn, secret uint64) ([32]byte, Outcome, error) {
	var key [32]byte

	if err := conn.SetDeadline(time.Now().Add(authTimeout)); err != nil {
		return key, OutcomeNoPake, err
	}
	defer conn.SetDeadline(time.Time{})

	spake := gospake2.SPAKE2Symmetric(pakePassword(secret), gospake2.NewIdentityS(pakeIdentity))
	outbound := spake.Start()
	if len(outbound) > 0xff {
		return key, OutcomePakeError, fmt.Errorf("pake message too long: %d bytes", len(outbound))
	}

	if _, err := conn.Write(append([]byte{byte(len(outbound))}, outbound...)); err != nil {
		return key, OutcomeNoPake, fmt.Errorf("sending pake message: %w", err)
	}

	var length [1]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return key, OutcomeNoPake, fmt.Errorf("receiving pake message: %w", err)
	}
	inbound := make([]byte, length[0])
	if _, err := io.ReadFull(conn, inbound); err != nil {
		return key, OutcomeNoPake, fmt.Errorf("receiving pake message: %w", err)
	}

	shared, err := spake.Finish(inbound)
	if err != nil {
		return key, OutcomePakeError, fmt.Errorf("pake finish: %w", err)
	}
	copy(key[:], shared)

	// Both sides send the same token, so it proves key agreement but
	// reveals nothing a passive observer could grind offline.
	token := confirmationToken(key)
	if _, err := conn.Write(token[:]); err != nil {
		return key, OutcomePakeError, fmt.Errorf("sending confirmation: %w", err)
	}
	var peerToken [sha256.Size]byte
	if _, err := io.ReadFull(conn, peerToken[:]); err != nil {
		return key, OutcomePakeError, fmt.Errorf("receiving confirmation: %w", err)
	}

	if subtle.ConstantTimeCompare(token[:], peerToken[:]) != 1 {
		return key, OutcomeWrongSecret, errWrongConfirmation
	}
	return key, "", nil
}

func confirmationToken(key [32]byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(key[:])
	h.Write([]byte("confirm"))
	var token [sha256.Size]byte
	h.Sum(token[:0])
	return token
}
