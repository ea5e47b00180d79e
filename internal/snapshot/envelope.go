package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const envelopeVersion = 1

// envelope is the storage encoding of an image in the durability slot.
type envelope struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Checksum string    `json:"checksum"`
	Data     []byte    `json:"data"`
}

// EncodeEnvelope wraps image for the durability slot.
func EncodeEnvelope(image []byte, savedAt time.Time) ([]byte, error) {
	sum := sha256.Sum256(image)
	raw, err := json.Marshal(envelope{
		Version:  envelopeVersion,
		SavedAt:  savedAt.UTC(),
		Checksum: hex.EncodeToString(sum[:]),
		Data:     image,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope unwraps a durability slot value and verifies its checksum.
func DecodeEnvelope(raw []byte) ([]byte, time.Time, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: decode envelope: %v", ErrCorruptSnapshot, err)
	}
	if env.Version != envelopeVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported envelope version %d", ErrCorruptSnapshot, env.Version)
	}

	sum := sha256.Sum256(env.Data)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, time.Time{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	return env.Data, env.SavedAt, nil
}
