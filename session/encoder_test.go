package session

import (
	"testing"
	"time"
)

func TestEncodeLayoutFixedOffsets(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	sess := testSession("sid", "user-1", now)

	data, err := Encode(sess)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if data[0] != sessionFormatVersion1 {
		t.Fatalf("unexpected version byte %d", data[0])
	}
	if string(data[1:33]) != string(sess.RefreshHash[:]) {
		t.Fatal("refresh hash must follow the version byte")
	}
	if int(data[sessionFixedLen]) != len(sess.UserID) {
		t.Fatalf("user length byte at %d: got %d", sessionFixedLen, data[sessionFixedLen])
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got.SessionID = sess.SessionID
	if *got != *sess {
		t.Fatalf("decode mismatch:\n got %+v\nwant %+v", got, sess)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	sess := testSession("sid", "", time.Now())
	if _, err := Encode(sess); err == nil {
		t.Fatal("expected empty user id to fail")
	}

	sess = testSession("sid", "u", time.Now())
	long := make([]byte, 256)
	sess.DeviceTag = string(long)
	if _, err := Encode(sess); err == nil {
		t.Fatal("expected oversized field to fail")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	data, err := Encode(testSession("sid", "u", time.Now()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, n := range []int{0, 1, 20, sessionFixedLen, len(data) - 1} {
		if _, err := Decode(data[:n]); err == nil {
			t.Fatalf("expected error for %d bytes", n)
		}
	}
	bad := append([]byte{9}, data[1:]...)
	if _, err := Decode(bad); err == nil {
		t.Fatal("expected unknown version to fail")
	}
}
