package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelope(t *testing.T) {
	plain := []byte(`{"serial":"01"}`)
	aad := RecordAAD("ca", "entry", "01")

	env, err := SealRecord(plain, aad, 7)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}

	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if env.Version != 7 {
		t.Errorf("expected record version 7, got %d", env.Version)
	}

	opened, err := OpenRecord(env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}

	if !bytes.Equal(plain, opened) {
		t.Errorf("expected %s, got %s", plain, opened)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(env, RecordAAD("ca", "entry", "02"))
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt with wrong AAD, got %v", err)
		}
	})

	t.Run("TamperedPayload", func(t *testing.T) {
		bad := CloneEnvelope(env)
		bad.Payload[0] ^= 0xff
		_, err := OpenRecord(bad, aad)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt with tampered payload, got %v", err)
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		_, err := OpenRecord(&badEnv, aad)
		if err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		badEnv := *env
		badEnv.Scheme = "unknown"
		_, err := OpenRecord(&badEnv, aad)
		if err == nil {
			t.Error("expected error with unsupported scheme, got nil")
		}
	})
}

func TestCloneEnvelopeIsDeep(t *testing.T) {
	env, err := SealRecord([]byte("abc"), nil)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	cp := CloneEnvelope(env)
	cp.Payload[0] = 'z'
	if env.Payload[0] != 'a' {
		t.Error("clone shares payload storage with original")
	}
	if CloneEnvelope(nil) != nil {
		t.Error("expected nil clone of nil envelope")
	}
}

func TestIsUnavailable(t *testing.T) {
	if IsUnavailable(nil) {
		t.Error("nil is not unavailable")
	}
	if IsUnavailable(ErrNotFound) || IsUnavailable(ErrCASFailed) {
		t.Error("record-level outcomes are not unavailable")
	}
	if !IsUnavailable(errors.New("disk I/O error")) {
		t.Error("backend failure should be unavailable")
	}
}
