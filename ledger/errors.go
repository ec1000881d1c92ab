package ledger

import (
	"errors"

	"github.com/jmcleod/caledger/storage"
)

var (
	// ErrStorageUnavailable indicates the ledger store could not be read or
	// written. It is storage.ErrUnavailable.
	ErrStorageUnavailable = storage.ErrUnavailable
	// ErrDuplicateSerial indicates an append for a serial the ledger already holds.
	ErrDuplicateSerial = errors.New("duplicate serial")
	// ErrNotFound indicates the ledger holds no entry for the serial.
	ErrNotFound = errors.New("certificate not found")
	// ErrAlreadyRevoked indicates a revocation of a revoked certificate.
	ErrAlreadyRevoked = errors.New("certificate already revoked")
	// ErrNotValid indicates a status change on a certificate that is no longer valid.
	ErrNotValid = errors.New("certificate not valid")
	// ErrInvalidEntry indicates an entry rejected by validation.
	ErrInvalidEntry = errors.New("invalid ledger entry")
	// ErrInvalidSubject indicates a distinguished name rejected by validation.
	ErrInvalidSubject = errors.New("invalid subject")
)
