package noise

import (
	"encoding/binary"
	"time"
)

// TimestampSize is the wire size of a TAI64N timestamp: 8 bytes of seconds
// since the TAI64 epoch, 4 bytes of nanoseconds.
const TimestampSize = 12

// tai64nEpoch is the offset between the Unix epoch and the TAI64 epoch
// (2^62 from the TAI64 label convention, plus the 10-second TAI-UTC
// offset).
const tai64nEpoch = int64(4611686018427387914)

// Timestamp is a TAI64N timestamp as carried in a handshake initiation.
type Timestamp [TimestampSize]byte

// Now returns the current time encoded as a TAI64N timestamp.
func Now() Timestamp {
	return Encode(time.Now())
}

// Encode converts a wall-clock time to its TAI64N wire representation.
func Encode(t time.Time) Timestamp {
	var ts Timestamp
	secs := uint64(tai64nEpoch + t.Unix())
	binary.BigEndian.PutUint64(ts[0:8], secs)
	binary.BigEndian.PutUint32(ts[8:12], uint32(t.Nanosecond()))
	return ts
}

// After reports whether ts is strictly later than other, per the replay
// check a handshake initiation must pass: the embedded timestamp must be
// newer than the last one seen from this peer.
func (ts Timestamp) After(other Timestamp) bool {
	for i := 0; i < TimestampSize; i++ {
		if ts[i] != other[i] {
			return ts[i] > other[i]
		}
	}
	return false
}

// IsZero reports whether ts is the zero timestamp (no initiation consumed yet).
func (ts Timestamp) IsZero() bool {
	for _, b := range ts {
		if b != 0 {
			return false
		}
	}
	return true
}
