// Package wire implements the clock synchronization datagram: a fixed
// four-field binary record exchanged between server and client, its
// sum-of-bytes integrity checksum, and the wall-clock microsecond
// timestamp source both peers stamp it with.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Size is the on-the-wire length of an encoded SyncRecord in bytes:
// ClockID (4) + ServerTS (8) + ClientTS (8) + Checksum (2).
const Size = 4 + 8 + 8 + 2

// SyncRecord is the datagram exchanged in both directions of a round trip.
//
// In a broadcast, ClockID identifies the emitting server clock, ClientTS
// is zero, and ServerTS is set when the broadcast was built. In a reply,
// ClockID identifies the replying client, ServerTS echoes the original
// broadcast unchanged, and ClientTS is the client's local arrival time.
type SyncRecord struct {
	ClockID  uint32
	ServerTS uint64
	ClientTS uint64
	Checksum uint16
}

// NowMicros returns the current wall-clock time in microseconds since the
// Unix epoch, the timestamp unit used throughout the protocol.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Encode serializes r to its little-endian wire form. Checksum is written
// as-is; callers that want a self-consistent record should set r.Checksum
// from ComputeChecksum first (see Sign).
func (r SyncRecord) Encode() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], r.ClockID)
	binary.LittleEndian.PutUint64(buf[4:12], r.ServerTS)
	binary.LittleEndian.PutUint64(buf[12:20], r.ClientTS)
	binary.LittleEndian.PutUint16(buf[20:22], r.Checksum)
	return buf
}

// Sign sets r.Checksum to the checksum computed over its other three
// fields and returns r.
func (r SyncRecord) Sign() SyncRecord {
	r.Checksum = ComputeChecksum(r)
	return r
}

// Decode parses a SyncRecord out of a raw datagram payload. It rejects any
// payload whose length differs from Size; it does not check the checksum
// (callers validate separately, see Validate).
func Decode(data []byte) (SyncRecord, error) {
	if len(data) != Size {
		return SyncRecord{}, fmt.Errorf("wire: bad record length %d, want %d", len(data), Size)
	}
	return SyncRecord{
		ClockID:  binary.LittleEndian.Uint32(data[0:4]),
		ServerTS: binary.LittleEndian.Uint64(data[4:12]),
		ClientTS: binary.LittleEndian.Uint64(data[12:20]),
		Checksum: binary.LittleEndian.Uint16(data[20:22]),
	}, nil
}

// ComputeChecksum sums the individual bytes (least significant first) of
// ClockID, ServerTS and ClientTS, modulo 2^16. A field that is entirely
// zero contributes 0 rather than being summed byte-by-byte; since the
// bytes of an all-zero field sum to 0 anyway, the skip is a no-op kept only
// for wire compatibility with the original implementation.
func ComputeChecksum(r SyncRecord) uint16 {
	var sum uint16
	if r.ClockID != 0 {
		sum += sumBytesLE(uint64(r.ClockID), 4)
	}
	if r.ServerTS != 0 {
		sum += sumBytesLE(r.ServerTS, 8)
	}
	if r.ClientTS != 0 {
		sum += sumBytesLE(r.ClientTS, 8)
	}
	return sum
}

// Validate reports whether r.Checksum matches the checksum recomputed
// over r's other fields.
func Validate(r SyncRecord) bool {
	return r.Checksum == ComputeChecksum(r)
}

func sumBytesLE(v uint64, width int) uint16 {
	var sum uint16
	for i := 0; i < width; i++ {
		sum += uint16((v >> (uint(i) * 8)) & 0xff)
	}
	return sum
}
