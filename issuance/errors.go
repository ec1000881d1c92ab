package issuance

import (
	"errors"
	"fmt"

	"github.com/jmcleod/caledger/serial"
)

var (
	// ErrSignerFailure indicates the signer rejected or failed the request.
	// The reservation was rolled back; the issuance is safe to retry.
	ErrSignerFailure = errors.New("signer failure")
	// ErrSignerTimeout indicates the signer did not answer within the
	// configured timeout. The reservation was rolled back.
	ErrSignerTimeout = errors.New("signer timeout")
	// ErrIssuanceFailed indicates the bookkeeping after signing failed.
	ErrIssuanceFailed = errors.New("issuance failed")
	// ErrInvalidRequest indicates a request rejected before any serial was reserved.
	ErrInvalidRequest = errors.New("invalid issuance request")
)

// Stage names the step of an issuance that failed.
type Stage string

const (
	StageReserve  Stage = "reserve"
	StageSign     Stage = "sign"
	StageStore    Stage = "store"
	StageAppend   Stage = "append"
	StageCommit   Stage = "commit"
	StageRollback Stage = "rollback"
)

// IssueError carries the stage and serial of a failed issuance so recovery
// tooling can act on it.
type IssueError struct {
	Stage  Stage
	Serial serial.Number
	Err    error
}

func (e *IssueError) Error() string {
	if e.Serial.IsZero() {
		return fmt.Sprintf("issuance failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("issuance of serial %s failed at %s: %v", e.Serial, e.Stage, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}
