package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/caledger/serial"
)

// Status is the OpenSSL index status of a certificate.
type Status string

const (
	StatusValid   Status = "V"
	StatusRevoked Status = "R"
	StatusExpired Status = "E"
)

// ParseStatus accepts the index letter or the spelled-out name.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "v", "valid":
		return StatusValid, nil
	case "r", "revoked":
		return StatusRevoked, nil
	case "e", "expired":
		return StatusExpired, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Name returns the spelled-out status.
func (s Status) Name() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// Reason is an RFC 5280 CRL reason, spelled as OpenSSL spells it.
type Reason string

const (
	ReasonUnspecified          Reason = "unspecified"
	ReasonKeyCompromise        Reason = "keyCompromise"
	ReasonCACompromise         Reason = "CACompromise"
	ReasonAffiliationChanged   Reason = "affiliationChanged"
	ReasonSuperseded           Reason = "superseded"
	ReasonCessationOfOperation Reason = "cessationOfOperation"
	ReasonCertificateHold      Reason = "certificateHold"
	ReasonRemoveFromCRL        Reason = "removeFromCRL"
	ReasonPrivilegeWithdrawn   Reason = "privilegeWithdrawn"
	ReasonAACompromise         Reason = "AACompromise"
)

var reasonCodes = map[Reason]int{
	ReasonUnspecified:          0,
	ReasonKeyCompromise:        1,
	ReasonCACompromise:         2,
	ReasonAffiliationChanged:   3,
	ReasonSuperseded:           4,
	ReasonCessationOfOperation: 5,
	ReasonCertificateHold:      6,
	ReasonRemoveFromCRL:        8,
	ReasonPrivilegeWithdrawn:   9,
	ReasonAACompromise:         10,
}

// ParseReason matches a reason name case-insensitively. An empty string is
// ReasonUnspecified.
func ParseReason(s string) (Reason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	for r := range reasonCodes {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown revocation reason %q", s)
}

// Code returns the RFC 5280 CRLReason value.
func (r Reason) Code() int {
	return reasonCodes[r]
}

// Entry is one issued certificate. Everything except the status fields
// (Status, RevokedAt, Reason) is fixed once appended.
type Entry struct {
	Serial    serial.Number `json:"serial"`
	Status    Status        `json:"status"`
	NotBefore time.Time     `json:"not_before,omitzero"`
	NotAfter  time.Time     `json:"not_after"`
	RevokedAt time.Time     `json:"revoked_at,omitzero"`
	Reason    Reason        `json:"reason,omitempty"`
	Subject   Subject       `json:"subject"`
	CertRef   string        `json:"cert_ref,omitempty"`

	// Assigned by the ledger on append.
	Seq        uint64    `json:"seq"`
	AppendedAt time.Time `json:"appended_at"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// IsExpired reports whether the certificate's validity ended before now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.NotAfter.Before(now)
}

// validateNew checks an entry about to be written.
func validateNew(e *Entry) error {
	if e.Serial.IsZero() {
		return fmt.Errorf("%w: serial is zero", ErrInvalidEntry)
	}
	if e.NotAfter.IsZero() {
		return fmt.Errorf("%w: serial %s: not_after is required", ErrInvalidEntry, e.Serial)
	}
	if !e.NotBefore.IsZero() && !e.NotAfter.After(e.NotBefore) {
		return fmt.Errorf("%w: serial %s: not_after must be after not_before", ErrInvalidEntry, e.Serial)
	}
	subject, err := e.Subject.Normalize()
	if err != nil {
		return fmt.Errorf("%w: serial %s: %w", ErrInvalidEntry, e.Serial, err)
	}
	e.Subject = subject
	if len(e.CertRef) > 0 && strings.ContainsAny(e.CertRef, "\t\n") {
		return fmt.Errorf("%w: serial %s: cert_ref contains tab or newline", ErrInvalidEntry, e.Serial)
	}
	switch e.Status {
	case StatusValid:
		if !e.RevokedAt.IsZero() || e.Reason != "" {
			return fmt.Errorf("%w: serial %s: valid entry carries revocation", ErrInvalidEntry, e.Serial)
		}
	case StatusRevoked:
		if e.RevokedAt.IsZero() {
			return fmt.Errorf("%w: serial %s: revoked entry has no revocation time", ErrInvalidEntry, e.Serial)
		}
	case StatusExpired:
	default:
		return fmt.Errorf("%w: serial %s: unknown status %q", ErrInvalidEntry, e.Serial, e.Status)
	}
	return nil
}
