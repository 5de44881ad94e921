package filelog

import (
	"bytes"
	"testing"

	"compactlog/internal/commitlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []commitlog.Record{
		{Offset: 0, Key: []byte("a"), Payload: []byte("hello")},
		{Offset: 1, Key: []byte("tombstoned"), Payload: nil},
		{Offset: 2, Key: []byte{}, Payload: []byte{}},
	}

	for _, rec := range cases {
		buf, err := encodeRecord(rec)
		if err != nil {
			t.Fatalf("encodeRecord: %v", err)
		}
		got, err := decodeRecord(buf)
		if err != nil {
			t.Fatalf("decodeRecord: %v", err)
		}
		if got.Offset != rec.Offset {
			t.Fatalf("Offset = %d, want %d", got.Offset, rec.Offset)
		}
		if !bytes.Equal(got.Key, rec.Key) {
			t.Fatalf("Key = %v, want %v", got.Key, rec.Key)
		}
		if rec.Payload == nil && got.Payload != nil {
			t.Fatalf("Payload = %v, want nil (tombstone)", got.Payload)
		}
		if rec.Payload != nil && !bytes.Equal(got.Payload, rec.Payload) {
			t.Fatalf("Payload = %v, want %v", got.Payload, rec.Payload)
		}
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	rec := commitlog.Record{Offset: 0, Key: []byte("a"), Payload: []byte("b")}
	buf, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF
	if _, err := decodeRecord(buf); err == nil {
		t.Fatal("decodeRecord: expected trailing size mismatch error")
	}
}
