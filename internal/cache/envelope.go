package cache

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrMalformedEnvelope is returned when a stored blob cannot be decoded
// into a valid envelope. Malformed envelopes are rejected explicitly,
// never best-effort parsed.
var ErrMalformedEnvelope = errors.New("cache: malformed envelope")

// DefaultCompressionThreshold is the payload size above which envelopes
// are stored compressed.
const DefaultCompressionThreshold = 1024

// Envelope is the typed wire format for persisted cache entries.
// StoredAt + TTLSeconds is the authoritative expiry instant.
type Envelope struct {
	Data       []byte            `json:"data"`
	StoredAt   int64             `json:"storedAt"` // unix milliseconds
	TTLSeconds int               `json:"ttlSeconds"`
	Compressed bool              `json:"compressed"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EncodeEnvelope wraps a serialized payload for storage, compressing it
// when it exceeds threshold bytes. Compression is deterministic: the
// same input always produces the same stored bytes.
func EncodeEnvelope(payload []byte, ttl time.Duration, threshold int, metadata map[string]string) ([]byte, error) {
	env := Envelope{
		Data:       payload,
		StoredAt:   time.Now().UnixMilli(),
		TTLSeconds: int(ttl.Seconds()),
		Metadata:   metadata,
	}

	if threshold > 0 && len(payload) > threshold {
		compressed, err := deflate(payload)
		if err != nil {
			return nil, fmt.Errorf("cache: compress envelope: %w", err)
		}
		env.Data = compressed
		env.Compressed = true
	}

	return json.Marshal(env)
}

// DecodeEnvelope parses a stored blob back into its payload. Expired
// envelopes decode successfully; staleness is the caller's concern.
func DecodeEnvelope(blob []byte) (payload []byte, env Envelope, err error) {
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.StoredAt <= 0 {
		return nil, Envelope{}, fmt.Errorf("%w: missing storedAt", ErrMalformedEnvelope)
	}
	if env.Data == nil {
		return nil, Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}

	payload = env.Data
	if env.Compressed {
		payload, err = inflate(env.Data)
		if err != nil {
			return nil, Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	}
	return payload, env, nil
}

// Expired reports whether the envelope is past its expiry instant.
func (e Envelope) Expired(now time.Time) bool {
	expiry := time.UnixMilli(e.StoredAt).Add(time.Duration(e.TTLSeconds) * time.Second)
	return now.After(expiry)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
