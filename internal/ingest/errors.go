package ingest

import (
	"errors"
	"fmt"

	"github.com/vdavid/vchat/backend/internal/db"
)

// ErrStorage marks a pipeline abort caused by persistence. The event is not
// acknowledged and will be delivered again.
var ErrStorage = errors.New("storage failure")

// ErrEmptyContent is returned when sending a message without text.
var ErrEmptyContent = errors.New("message content is empty")

// StorageError records the pipeline stage at which persistence failed.
type StorageError struct {
	Stage string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s at %s: %v", ErrStorage, e.Stage, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageError(stage string, err error) error {
	return &StorageError{Stage: stage, Err: err}
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrContactNotFound) ||
		errors.Is(err, db.ErrConversationNotFound) ||
		errors.Is(err, db.ErrAccountNotFound)
}
