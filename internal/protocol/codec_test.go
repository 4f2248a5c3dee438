package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

func addrPort(t *testing.T, s string) *netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatal(err)
	}
	return &ap
}

func TestRoundTrip(t *testing.T) {
	private := addrPort(t, "192.168.1.10:4040")
	full := FullContact{
		Private: Contact{V4: addrPort(t, "10.0.0.2:2000")},
		Public:  Contact{V4: addrPort(t, "203.0.113.5:3000"), V6: addrPort(t, "[2001:db8::1]:3000")},
	}

	msgs := []Message{
		&CreateRoom{RoomCode: 42},
		&SendAddr{RoomCode: 42, IsCreator: true, Family: FamilyV4, Private: private},
		&SendAddr{RoomCode: 42, Family: FamilyV6},
		&DoneSending{RoomCode: 42, IsCreator: true},
		&RoomCreated{},
		&ReceivedAddr{},
		&ClientContact{Full: full},
		&PeerContact{Full: full},
		&ErrorRoomTaken{},
		&ErrorNoSuchRoomCode{},
		&ErrorPeerTimedOut{},
		&ErrorTooManyRequests{},
		&ErrorUnexpectedMsg{},
		&ErrorSyntax{},
	}

	for _, msg := range msgs {
		var buf bytes.Buffer
		if err := Write(&buf, msg); err != nil {
			t.Fatalf("Write(%s): %v", msg.Type(), err)
		}
		got, err := Read(&buf)
		if err != nil {
			t.Fatalf("Read(%s): %v", msg.Type(), err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Errorf("%s: got %+v, want %+v", msg.Type(), got, msg)
		}
	}
}

func TestWrittenFrameHasTypeTag(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, &CreateRoom{RoomCode: 7}); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	if len(raw) < 4 {
		t.Fatalf("frame too short: %d bytes", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		t.Fatalf("length prefix %d doesn't match body %d", length, len(raw)-4)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw[4:], &fields); err != nil {
		t.Fatal(err)
	}
	if fields["type"] != "create_room" {
		t.Errorf("type tag = %v, want create_room", fields["type"])
	}
	if fields["room_code"] != float64(7) {
		t.Errorf("room_code = %v, want 7", fields["room_code"])
	}
}

func TestReadUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(`{"type":"launch_missiles"}`)); err != nil {
		t.Fatal(err)
	}
	_, err := Read(&buf)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("got %v, want ErrUnknownType", err)
	}
}

func TestReadOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], MaxMsgSize+1)
	buf.Write(length[:])

	_, err := Read(&buf)
	if !errors.Is(err, ErrMsgTooLong) {
		t.Errorf("got %v, want ErrMsgTooLong", err)
	}
}

func TestWriteOversizedFrame(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxMsgSize+1))
	if !errors.Is(err, ErrMsgTooLong) {
		t.Errorf("got %v, want ErrMsgTooLong", err)
	}
}

func TestReadTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, &CreateRoom{RoomCode: 7}); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	if _, err := Read(truncated); err == nil {
		t.Error("expected error reading truncated frame")
	}
}
