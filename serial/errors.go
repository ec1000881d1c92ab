package serial

import (
	"errors"

	"github.com/jmcleod/caledger/storage"
)

var (
	// ErrStorageUnavailable indicates the allocator state could not be read,
	// locked or written. It is storage.ErrUnavailable.
	ErrStorageUnavailable = storage.ErrUnavailable
	// ErrNotReserved indicates a commit or rollback of a serial that is not
	// currently reserved.
	ErrNotReserved = errors.New("serial not reserved")
	// ErrAlreadyCommitted indicates a rollback of a committed serial.
	ErrAlreadyCommitted = errors.New("serial already committed")
	// ErrAlreadyBootstrapped indicates the allocator state already exists.
	ErrAlreadyBootstrapped = errors.New("allocator already bootstrapped")
	// ErrRollbackDetected is returned when the stored committed high-water
	// mark is older than the watermark: the store was restored from a stale copy.
	ErrRollbackDetected = errors.New("rollback detected: committed serial is older than watermark")
)
