package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// genesisHash is the PrevHash of the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainHash links an entry to its predecessor. It covers the immutable
// fields only: status changes do not break the chain.
func chainHash(e *Entry) string {
	var b strings.Builder
	b.WriteString("caledger-entry-v1\n")
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('\n')
	b.WriteString(e.Serial.String())
	b.WriteByte('\n')
	b.WriteString(formatChainTime(e.NotBefore))
	b.WriteByte('\n')
	b.WriteString(formatChainTime(e.NotAfter))
	b.WriteByte('\n')
	b.WriteString(e.Subject.String())
	b.WriteByte('\n')
	b.WriteString(e.CertRef)
	b.WriteByte('\n')
	b.WriteString(formatChainTime(e.AppendedAt))
	b.WriteByte('\n')
	b.WriteString(e.PrevHash)
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func formatChainTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Check is the outcome of one verification check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

// VerifyResult reports the integrity of a ledger.
type VerifyResult struct {
	Namespace  string  `json:"namespace"`
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

func (r *VerifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: "pass", Detail: detail})
}

func (r *VerifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, Check{Name: name, Status: "fail", Detail: detail})
}

func (r *VerifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: "warn", Detail: detail})
}

// Verify recomputes the hash chain over a snapshot of the ledger and checks
// sequence continuity, serial uniqueness and the chain head. Integrity
// problems are reported in the result; the error is reserved for storage
// failures.
func (l *Ledger) Verify(ctx context.Context) (*VerifyResult, error) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(snap.raw))
	for _, raw := range snap.raw {
		e, err := l.decodeEntry(raw.id, raw.env)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return verifyEntries(l.namespace, entries, snap.head), nil
}

func verifyEntries(namespace string, entries []Entry, head chainHead) *VerifyResult {
	result := &VerifyResult{
		Namespace:  namespace,
		EntryCount: len(entries),
		Valid:      true,
	}

	if len(entries) == 0 {
		if head.Seq != 0 {
			result.fail("head_matches", fmt.Sprintf("head records seq %d but the ledger is empty", head.Seq))
			return result
		}
		result.pass("empty_chain", "no entries to verify")
		return result
	}

	// 1. Genesis anchor.
	if entries[0].PrevHash == genesisHash {
		result.pass("genesis_anchor", "")
	} else {
		result.fail("genesis_anchor", fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	// 2. Entry hashes.
	hashDetail := ""
	for _, e := range entries {
		if got := chainHash(&e); got != e.Hash {
			hashDetail = fmt.Sprintf("entry seq=%d serial=%s has hash=%s but fields hash to %s", e.Seq, e.Serial, e.Hash, got)
			break
		}
	}
	if hashDetail == "" {
		result.pass("entry_hashes", "")
	} else {
		result.fail("entry_hashes", hashDetail)
	}

	// 3. Chain continuity.
	chainDetail := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			chainDetail = fmt.Sprintf("entry %d (serial=%s) has prev_hash=%s but entry %d hashes to %s",
				i, entries[i].Serial, entries[i].PrevHash, i-1, entries[i-1].Hash)
			break
		}
	}
	if chainDetail == "" {
		result.pass("chain_continuity", fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.fail("chain_continuity", chainDetail)
	}

	// 4. Contiguous sequence numbers.
	seqDetail := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			seqDetail = fmt.Sprintf("entry %d has seq=%d, expected %d", i, e.Seq, i+1)
			break
		}
	}
	if seqDetail == "" {
		result.pass("contiguous_sequence", "")
	} else {
		result.fail("contiguous_sequence", seqDetail)
	}

	// 5. Unique serials.
	seen := make(map[string]uint64, len(entries))
	dupDetail := ""
	for _, e := range entries {
		key := e.Serial.String()
		if prev, ok := seen[key]; ok {
			dupDetail = fmt.Sprintf("seq %d and seq %d share serial=%s", prev, e.Seq, key)
			break
		}
		seen[key] = e.Seq
	}
	if dupDetail == "" {
		result.pass("no_duplicate_serials", "")
	} else {
		result.fail("no_duplicate_serials", dupDetail)
	}

	// 6. Chain head.
	last := entries[len(entries)-1]
	if head.Seq == last.Seq && head.Hash == last.Hash {
		result.pass("head_matches", "")
	} else {
		result.fail("head_matches", fmt.Sprintf("head seq=%d hash=%s, last entry seq=%d hash=%s",
			head.Seq, head.Hash, last.Seq, last.Hash))
	}

	// 7. Status fields.
	statusDetail := ""
	for _, e := range entries {
		switch {
		case e.Status == StatusRevoked && e.RevokedAt.IsZero():
			statusDetail = fmt.Sprintf("serial=%s is revoked without a revocation time", e.Serial)
		case e.Status != StatusRevoked && !e.RevokedAt.IsZero():
			statusDetail = fmt.Sprintf("serial=%s has a revocation time but status %s", e.Serial, e.Status)
		}
		if statusDetail != "" {
			break
		}
	}
	if statusDetail == "" {
		result.pass("status_fields", "")
	} else {
		result.fail("status_fields", statusDetail)
	}

	// 8. Monotonic append timestamps. Clock skew between writers is
	// possible, so this is a warning only.
	tsDetail := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].AppendedAt.Before(entries[i-1].AppendedAt) {
			tsDetail = fmt.Sprintf("entry %d (appended_at=%s) is earlier than entry %d",
				i, entries[i].AppendedAt.Format(time.RFC3339), i-1)
			break
		}
	}
	if tsDetail == "" {
		result.pass("monotonic_timestamps", "")
	} else {
		result.warn("monotonic_timestamps", tsDetail)
	}

	return result
}
