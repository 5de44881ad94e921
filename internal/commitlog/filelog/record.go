package filelog

import (
	"encoding/binary"
	"errors"
	"math"

	"compactlog/internal/commitlog"
)

const (
	magicByte   = 0x6c
	versionByte = 0x01

	sizeFieldBytes    = 4
	magicFieldBytes   = 1
	versionFieldBytes = 1
	offsetFieldBytes  = 8
	lenFieldBytes     = 4

	headerBytes   = sizeFieldBytes + magicFieldBytes + versionFieldBytes + offsetFieldBytes + lenFieldBytes + lenFieldBytes
	minRecordSize = headerBytes + sizeFieldBytes
)

// nullLen marks a nil key or nil payload in the on-disk length field.
const nullLen = -1

var (
	errRecordTooSmall  = errors.New("filelog: record smaller than header")
	errMagicMismatch   = errors.New("filelog: record magic mismatch")
	errVersionMismatch = errors.New("filelog: record version mismatch")
	errSizeMismatch    = errors.New("filelog: leading/trailing size mismatch")
)

// recordSize computes the on-disk size of a record with the given key and
// payload lengths, where a negative length denotes "absent" (nil).
func recordSize(keyLen, payloadLen int) (uint32, error) {
	total := uint64(minRecordSize)
	if keyLen > 0 {
		total += uint64(keyLen)
	}
	if payloadLen > 0 {
		total += uint64(payloadLen)
	}
	if total > math.MaxUint32 {
		return 0, commitlog.ErrMessageTooLarge
	}
	return uint32(total), nil
}

func lenOf(b []byte) int32 {
	if b == nil {
		return nullLen
	}
	return int32(len(b))
}

// encodeRecord serializes r with a leading and trailing size field so a
// cursor can walk the segment forward or backward.
func encodeRecord(r commitlog.Record) ([]byte, error) {
	keyLen := lenOf(r.Key)
	payloadLen := lenOf(r.Payload)
	size, err := recordSize(int(keyLen), int(payloadLen))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	cur := 0
	binary.LittleEndian.PutUint32(buf[cur:], size)
	cur += sizeFieldBytes
	buf[cur] = magicByte
	cur += magicFieldBytes
	buf[cur] = versionByte
	cur += versionFieldBytes
	binary.LittleEndian.PutUint64(buf[cur:], r.Offset)
	cur += offsetFieldBytes
	binary.LittleEndian.PutUint32(buf[cur:], uint32(keyLen))
	cur += lenFieldBytes
	if keyLen > 0 {
		cur += copy(buf[cur:], r.Key)
	}
	binary.LittleEndian.PutUint32(buf[cur:], uint32(payloadLen))
	cur += lenFieldBytes
	if payloadLen > 0 {
		cur += copy(buf[cur:], r.Payload)
	}
	binary.LittleEndian.PutUint32(buf[cur:], size)

	return buf, nil
}

// decodeRecord parses a full, self-contained record buffer (as returned by
// a size-prefixed read) back into a commitlog.Record.
func decodeRecord(buf []byte) (commitlog.Record, error) {
	if len(buf) < minRecordSize {
		return commitlog.Record{}, errRecordTooSmall
	}
	size := binary.LittleEndian.Uint32(buf[:sizeFieldBytes])
	if int(size) != len(buf) {
		return commitlog.Record{}, errSizeMismatch
	}
	cur := sizeFieldBytes
	if buf[cur] != magicByte {
		return commitlog.Record{}, errMagicMismatch
	}
	cur += magicFieldBytes
	if buf[cur] != versionByte {
		return commitlog.Record{}, errVersionMismatch
	}
	cur += versionFieldBytes
	offset := binary.LittleEndian.Uint64(buf[cur:])
	cur += offsetFieldBytes

	keyLen := int32(binary.LittleEndian.Uint32(buf[cur:]))
	cur += lenFieldBytes
	var key []byte
	if keyLen >= 0 {
		key = make([]byte, keyLen)
		copy(key, buf[cur:cur+int(keyLen)])
		cur += int(keyLen)
	}

	payloadLen := int32(binary.LittleEndian.Uint32(buf[cur:]))
	cur += lenFieldBytes
	var payload []byte
	if payloadLen >= 0 {
		payload = make([]byte, payloadLen)
		copy(payload, buf[cur:cur+int(payloadLen)])
		cur += int(payloadLen)
	}

	trailing := binary.LittleEndian.Uint32(buf[cur:])
	if trailing != size {
		return commitlog.Record{}, errSizeMismatch
	}

	return commitlog.Record{Offset: offset, Key: key, Payload: payload}, nil
}
