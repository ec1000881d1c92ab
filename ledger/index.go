package ledger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmcleod/caledger/serial"
)

// OpenSSL writes ASN.1 UTCTime up to 2049 and GeneralizedTime after.
const (
	indexUTCTime         = "060102150405Z"
	indexGeneralizedTime = "20060102150405Z"
	unknownFile          = "unknown"
)

// IndexRecord is one line of an OpenSSL CA index.txt.
type IndexRecord struct {
	Status    Status
	Expiry    time.Time
	RevokedAt time.Time
	Reason    Reason
	Serial    serial.Number
	Filename  string
	Subject   Subject
}

func formatIndexTime(t time.Time) string {
	t = t.UTC()
	if t.Year() >= 2050 {
		return t.Format(indexGeneralizedTime)
	}
	return t.Format(indexUTCTime)
}

func parseIndexTime(s string) (time.Time, error) {
	switch len(s) {
	case len(indexUTCTime):
		return time.Parse(indexUTCTime, s)
	case len(indexGeneralizedTime):
		return time.Parse(indexGeneralizedTime, s)
	}
	return time.Time{}, fmt.Errorf("malformed index time %q", s)
}

// IndexRecordFor converts a ledger entry to its index.txt line.
func IndexRecordFor(e *Entry) IndexRecord {
	rec := IndexRecord{
		Status:   e.Status,
		Expiry:   e.NotAfter,
		Serial:   e.Serial,
		Filename: e.CertRef,
		Subject:  e.Subject,
	}
	if e.Status == StatusRevoked {
		rec.RevokedAt = e.RevokedAt
		rec.Reason = e.Reason
	}
	return rec
}

// String renders the record as a tab-separated index.txt line without the
// trailing newline.
func (r IndexRecord) String() string {
	revocation := ""
	if r.Status == StatusRevoked && !r.RevokedAt.IsZero() {
		revocation = formatIndexTime(r.RevokedAt)
		if r.Reason != "" {
			revocation += "," + string(r.Reason)
		}
	}
	file := r.Filename
	if file == "" {
		file = unknownFile
	}
	return strings.Join([]string{
		string(r.Status),
		formatIndexTime(r.Expiry),
		revocation,
		r.Serial.String(),
		file,
		r.Subject.String(),
	}, "\t")
}

// ParseIndexLine parses one index.txt line.
func ParseIndexLine(line string) (IndexRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return IndexRecord{}, fmt.Errorf("expected 6 tab-separated fields, got %d", len(fields))
	}
	var (
		rec IndexRecord
		err error
	)
	if rec.Status, err = ParseStatus(fields[0]); err != nil {
		return IndexRecord{}, err
	}
	if rec.Expiry, err = parseIndexTime(fields[1]); err != nil {
		return IndexRecord{}, err
	}
	if fields[2] != "" {
		date, reason, _ := strings.Cut(fields[2], ",")
		if rec.RevokedAt, err = parseIndexTime(date); err != nil {
			return IndexRecord{}, err
		}
		if reason != "" {
			if rec.Reason, err = ParseReason(reason); err != nil {
				return IndexRecord{}, err
			}
		}
	}
	if rec.Status == StatusRevoked && rec.RevokedAt.IsZero() {
		return IndexRecord{}, fmt.Errorf("revoked record without revocation date")
	}
	if rec.Serial, err = serial.Parse(fields[3]); err != nil {
		return IndexRecord{}, err
	}
	if rec.Serial.IsZero() {
		return IndexRecord{}, fmt.Errorf("serial is zero")
	}
	if fields[4] != unknownFile {
		rec.Filename = fields[4]
	}
	if rec.Subject, err = ParseSubject(fields[5]); err != nil {
		return IndexRecord{}, err
	}
	return rec, nil
}

// ParseIndex reads an OpenSSL index.txt. Blank lines are skipped.
func ParseIndex(r io.Reader) ([]IndexRecord, error) {
	var records []IndexRecord
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseIndexLine(line)
		if err != nil {
			return nil, fmt.Errorf("index line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// WriteIndex writes records as index.txt lines.
func WriteIndex(w io.Writer, records []IndexRecord) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		if _, err := bw.WriteString(rec.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ExportIndex writes a snapshot of the ledger as an OpenSSL index.txt in
// append order.
func (l *Ledger) ExportIndex(ctx context.Context, w io.Writer) (int, error) {
	var records []IndexRecord
	for e, err := range l.Scan(ctx) {
		if err != nil {
			return 0, err
		}
		records = append(records, IndexRecordFor(&e))
	}
	return len(records), WriteIndex(w, records)
}

// FormatSerialFile renders the OpenSSL serial file holding next.
func FormatSerialFile(next serial.Number) string {
	return next.String() + "\n"
}

// ParseSerialFile reads the next serial from an OpenSSL serial file.
func ParseSerialFile(r io.Reader) (serial.Number, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return serial.Number{}, err
	}
	return serial.Parse(string(data))
}

// ImportReport summarizes an Import.
type ImportReport struct {
	Imported int
	Skipped  int
}

// Import appends index records the ledger does not hold yet, keeping their
// status. Records for serials already present are skipped, so importing the
// same file twice is harmless.
//
// Import bypasses the serial allocator: imported serials are neither
// reserved nor committed there. Callers must run serial.Allocator.Recover
// afterwards so the allocator moves above the imported serials and never
// hands one of them out again.
func (l *Ledger) Import(ctx context.Context, records []IndexRecord) (*ImportReport, error) {
	report := &ImportReport{}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range records {
		found, err := l.Contains(ctx, rec.Serial)
		if err != nil {
			return report, err
		}
		if found {
			report.Skipped++
			continue
		}
		e := Entry{
			Serial:    rec.Serial,
			Status:    rec.Status,
			NotAfter:  rec.Expiry,
			RevokedAt: rec.RevokedAt,
			Reason:    rec.Reason,
			Subject:   rec.Subject,
			CertRef:   rec.Filename,
		}
		if err := validateNew(&e); err != nil {
			return report, err
		}
		if _, err := l.appendLocked(ctx, e); err != nil {
			return report, err
		}
		report.Imported++
	}
	l.logger.Info("index imported",
		"namespace", l.namespace, "imported", report.Imported, "skipped", report.Skipped)
	return report, nil
}
