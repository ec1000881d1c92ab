package api

import (
	"time"

	"github.com/jmcleod/caledger/ledger"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Namespace string `json:"namespace"`
}

// CertificateResponse describes one ledger entry.
type CertificateResponse struct {
	Serial     string         `json:"serial"`
	Status     string         `json:"status"`
	NotBefore  *time.Time     `json:"not_before,omitempty"`
	NotAfter   time.Time      `json:"not_after"`
	RevokedAt  *time.Time     `json:"revoked_at,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Subject    string         `json:"subject"`
	SubjectDN  ledger.Subject `json:"subject_fields"`
	CertRef    string         `json:"cert_ref,omitempty"`
	Seq        uint64         `json:"seq"`
	AppendedAt time.Time      `json:"appended_at"`
	Hash       string         `json:"hash"`
}

func certificateResponse(e *ledger.Entry) CertificateResponse {
	resp := CertificateResponse{
		Serial:     e.Serial.String(),
		Status:     e.Status.Name(),
		NotAfter:   e.NotAfter,
		Reason:     string(e.Reason),
		Subject:    e.Subject.String(),
		SubjectDN:  e.Subject,
		CertRef:    e.CertRef,
		Seq:        e.Seq,
		AppendedAt: e.AppendedAt,
		Hash:       e.Hash,
	}
	if !e.NotBefore.IsZero() {
		nb := e.NotBefore
		resp.NotBefore = &nb
	}
	if !e.RevokedAt.IsZero() {
		ra := e.RevokedAt
		resp.RevokedAt = &ra
	}
	return resp
}

// ListCertificatesResponse is a page of certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// ReservationResponse describes one outstanding serial reservation.
type ReservationResponse struct {
	Serial     string    `json:"serial"`
	Owner      string    `json:"owner"`
	ReservedAt time.Time `json:"reserved_at"`
	AgeSeconds float64   `json:"age_seconds"`
}

// AllocatorResponse describes the serial allocator state.
type AllocatorResponse struct {
	Namespace string                `json:"namespace"`
	Next      string                `json:"next"`
	Committed string                `json:"committed"`
	Reserved  []ReservationResponse `json:"reserved"`
	Released  []string              `json:"released"`
}
