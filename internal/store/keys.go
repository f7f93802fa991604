package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/docsync/internal/models"
)

const keySep = 0x00

// encodeInt returns an order-preserving encoding of a signed integer.
func encodeInt(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n)^(1<<63))
	return b[:]
}

func decodeInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// encodeTimestamp returns an order-preserving 12 byte encoding.
func encodeTimestamp(ts models.Timestamp) []byte {
	out := make([]byte, 0, 12)
	out = append(out, encodeInt(ts.Seconds)...)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(ts.Nanos))
	return append(out, n[:]...)
}

func decodeTimestamp(b []byte) models.Timestamp {
	return models.Timestamp{
		Seconds: decodeInt(b[:8]),
		Nanos:   int32(binary.BigEndian.Uint32(b[8:12])),
	}
}

// join concatenates key components separated by keySep.
func join(parts ...[]byte) []byte {
	n := len(parts)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			out = append(out, keySep)
		}
		out = append(out, p...)
	}
	return out
}

func docKeyBytes(k models.DocumentKey) []byte { return []byte(k.String()) }

// collectionPrefix matches the keys of documents nested under path.
func collectionPrefix(path models.ResourcePath) []byte {
	if len(path) == 0 {
		return []byte{}
	}
	return []byte(path.String() + "/")
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}
