package replerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &SyncError{Document: "doc-1", Cause: cause, Retriable: true}

	assert.Contains(t, err.Error(), "doc-1")
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, cause)

	var target *SyncError
	assert.True(t, errors.As(err, &target))
	assert.True(t, target.Retriable)
}

func TestNonRetriableErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("422 unprocessable")
	err := &NonRetriableError{Document: "doc-2", Cause: cause}

	assert.Contains(t, err.Error(), "non-retriable")
	assert.ErrorIs(t, err, cause)

	var target *NonRetriableError
	assert.True(t, errors.As(err, &target))
}

func TestProseBindingErrorMessage(t *testing.T) {
	err := &ProseBindingError{Collection: "notes", Document: "doc-3", Field: "body"}
	assert.Equal(t, `prose binding notes/doc-3.body: not found within grace period`, err.Error())
}

func TestErrCollectionNotReadyMessage(t *testing.T) {
	err := &ErrCollectionNotReady{Collection: "notes"}
	assert.Contains(t, err.Error(), "notes")
	assert.Contains(t, err.Error(), "not ready")
}
