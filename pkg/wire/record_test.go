package wire

import (
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []SyncRecord{
		{ClockID: 42, ServerTS: 1000, ClientTS: 0},
		{ClockID: 7, ServerTS: 1000, ClientTS: 2000},
		{ClockID: 0, ServerTS: 0, ClientTS: 0},
		{ClockID: 0xffffffff, ServerTS: 0xffffffffffffffff, ClientTS: 0x1},
	}
	for _, r := range cases {
		signed := r.Sign()
		encoded := signed.Encode()
		if len(encoded) != Size {
			t.Fatalf("encoded length = %d, want %d", len(encoded), Size)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if decoded != signed {
			t.Fatalf("decoded = %+v, want %+v", decoded, signed)
		}
		if !Validate(decoded) {
			t.Fatalf("Validate(%+v) = false, want true", decoded)
		}
	}
}

func TestChecksumAllZeroFieldsIsZero(t *testing.T) {
	r := SyncRecord{}
	if got := ComputeChecksum(r); got != 0 {
		t.Fatalf("ComputeChecksum(zero record) = %d, want 0", got)
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	r := SyncRecord{ClockID: 1, ServerTS: 2, ClientTS: 3}.Sign()
	encoded := r.Encode()

	if _, err := Decode(encoded[:len(encoded)-1]); err == nil {
		t.Fatal("Decode(short payload) succeeded, want error")
	}
	if _, err := Decode(append(encoded, 0x00)); err == nil {
		t.Fatal("Decode(long payload) succeeded, want error")
	}
}

func TestSingleBitFlipDetectedByChecksum(t *testing.T) {
	const trials = 10000
	detected := 0
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < trials; i++ {
		r := SyncRecord{
			ClockID:  rng.Uint32(),
			ServerTS: rng.Uint64(),
			ClientTS: rng.Uint64(),
		}.Sign()
		encoded := r.Encode()

		byteIdx := rng.Intn(Size - 2) // never flip into the checksum field itself
		bitIdx := rng.Intn(8)
		encoded[byteIdx] ^= 1 << uint(bitIdx)

		mutated, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !Validate(mutated) {
			detected++
		}
	}

	// The checksum is a sum-of-bytes, not a CRC. A single-bit flip changes
	// exactly one byte by a power of two, and the byte sum of 20 bytes never
	// reaches 2^16, so every such flip changes the sum; the 99% bound is
	// looser than what this layout achieves.
	if detected < trials*99/100 {
		t.Fatalf("detected %d/%d single-bit flips, want >= 99%%", detected, trials)
	}
}

func TestBroadcastAndReplyInvariants(t *testing.T) {
	broadcast := SyncRecord{ClockID: 42, ServerTS: NowMicros(), ClientTS: 0}.Sign()
	if broadcast.ClientTS != 0 {
		t.Fatal("broadcast ClientTS must be 0")
	}

	reply := SyncRecord{
		ClockID:  7,
		ServerTS: broadcast.ServerTS,
		ClientTS: NowMicros(),
	}.Sign()
	if reply.ClientTS == 0 {
		t.Fatal("reply ClientTS must be nonzero")
	}
	if reply.ServerTS != broadcast.ServerTS {
		t.Fatal("reply ServerTS must echo broadcast ServerTS")
	}
}
