package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
)

// Health handles GET /health. It reports 503 when the allocator state
// cannot be read.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := a.alloc.State(r.Context()); err != nil {
		a.logger.Warn("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Namespace: a.ledger.Namespace()})
}

// ListCertificates handles GET /api/v1/certificates. Optional filters:
// status (V, R, E or the spelled-out name) and cn (case-insensitive
// substring of the common name).
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status ledger.Status
	if v := q.Get("status"); v != "" {
		s, err := ledger.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = s
	}
	cn := strings.ToLower(q.Get("cn"))

	matched := []CertificateResponse{}
	for e, err := range a.ledger.Scan(r.Context()) {
		if err != nil {
			mapError(w, err)
			return
		}
		if status != "" && e.Status != status {
			continue
		}
		if cn != "" && !strings.Contains(strings.ToLower(e.Subject.CommonName), cn) {
			continue
		}
		matched = append(matched, certificateResponse(&e))
	}

	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(matched), limit, offset)
	writeJSON(w, http.StatusOK, ListCertificatesResponse{
		Certificates:   matched[start:end],
		PaginationMeta: meta,
	})
}

// GetCertificate handles GET /api/v1/certificates/{serial}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	n, err := serial.Parse(chi.URLParam(r, "serial"))
	if err != nil {
		mapError(w, err)
		return
	}
	if n.IsZero() {
		writeError(w, http.StatusBadRequest, "serial must be positive")
		return
	}
	e, err := a.ledger.Find(r.Context(), n)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(&e))
}

// GetAllocator handles GET /api/v1/allocator.
func (a *API) GetAllocator(w http.ResponseWriter, r *http.Request) {
	st, err := a.alloc.State(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	now := a.clock.Now()
	resp := AllocatorResponse{
		Namespace: a.ledger.Namespace(),
		Next:      st.Next.String(),
		Committed: st.Committed.String(),
		Reserved:  make([]ReservationResponse, 0, len(st.Reserved)),
		Released:  make([]string, 0, len(st.Released)),
	}
	for _, res := range st.Reserved {
		resp.Reserved = append(resp.Reserved, ReservationResponse{
			Serial:     res.Serial.String(),
			Owner:      res.Owner,
			ReservedAt: res.ReservedAt,
			AgeSeconds: now.Sub(res.ReservedAt).Seconds(),
		})
	}
	for _, n := range st.Released {
		resp.Released = append(resp.Released, n.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyLedger handles GET /api/v1/ledger/verify. A broken chain is still
// a 200; the body's valid flag and checks carry the verdict.
func (a *API) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	result, err := a.ledger.Verify(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if !result.Valid {
		a.logger.Error("ledger verification failed", "namespace", a.ledger.Namespace())
	}
	writeJSON(w, http.StatusOK, result)
}

// ExportIndex handles GET /api/v1/ledger/index.txt, the ledger rendered as
// an OpenSSL index.txt.
func (a *API) ExportIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := a.ledger.ExportIndex(r.Context(), &buf); err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
