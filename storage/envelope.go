package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	envelopeVersion = 1
	schemeBlake2b   = "json+blake2b256"
)

// Envelope is a stored record: a JSON payload plus a BLAKE2b-256 checksum
// bound to the record's address.
type Envelope struct {
	Ver      int    `json:"ver"`
	Scheme   string `json:"scheme"`
	Payload  []byte `json:"payload"`
	Checksum []byte `json:"checksum"`
	Version  uint64 `json:"version,omitempty"`
}

// RecordAAD returns the associated data binding a record to its address,
// so a payload copied under another key fails OpenRecord.
func RecordAAD(namespace, recordType, recordID string) []byte {
	return []byte(namespace + "\x00" + recordType + "\x00" + recordID)
}

// SealRecord wraps payload into an Envelope checksummed over aad and payload.
func SealRecord(payload, aad []byte, version ...uint64) (*Envelope, error) {
	sum, err := checksum(payload, aad)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Ver:      envelopeVersion,
		Scheme:   schemeBlake2b,
		Payload:  append([]byte(nil), payload...),
		Checksum: sum,
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord verifies an Envelope against aad and returns its payload.
func OpenRecord(envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != schemeBlake2b {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	sum, err := checksum(envelope.Payload, aad)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sum, envelope.Checksum) {
		return nil, ErrCorrupt
	}
	return append([]byte(nil), envelope.Payload...), nil
}

func checksum(payload, aad []byte) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(aad)))
	h.Write(n[:])
	h.Write(aad)
	h.Write(payload)
	return h.Sum(nil), nil
}

// CloneEnvelope returns a deep copy of env.
func CloneEnvelope(env *Envelope) *Envelope {
	if env == nil {
		return nil
	}
	return &Envelope{
		Ver:      env.Ver,
		Scheme:   env.Scheme,
		Payload:  append([]byte(nil), env.Payload...),
		Checksum: append([]byte(nil), env.Checksum...),
		Version:  env.Version,
	}
}
