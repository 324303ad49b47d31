package postgres

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mpostgres"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return New(mpostgres.WrapDB(db)), mock
}

func TestHeartbeat_FencingMismatchReturnsFencingError(t *testing.T) {
	store, mock := newMockStore(t)

	taskID, leaseToken := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), taskID, 3, leaseToken).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Heartbeat(t.Context(), taskID, 3, leaseToken, time.Minute)

	var fencing *orcherrors.FencingError
	require.ErrorAs(t, err, &fencing)
	assert.Equal(t, taskID.String(), fencing.TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat_MatchingFenceExtendsLease(t *testing.T) {
	store, mock := newMockStore(t)

	taskID, leaseToken := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), taskID, 1, leaseToken).
		WillReturnResult(sqlmock.NewResult(0, 1))

	expiry, err := store.Heartbeat(t.Context(), taskID, 1, leaseToken, time.Minute)
	require.NoError(t, err)
	assert.True(t, expiry.After(time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTask_FencingMismatchLeavesRowUntouched(t *testing.T) {
	store, mock := newMockStore(t)

	taskID, leaseToken := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), taskID, 2, leaseToken).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CompleteTask(t.Context(), taskID, 2, leaseToken, nil)

	var fencing *orcherrors.FencingError
	require.ErrorAs(t, err, &fencing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTask_MatchingFenceCommitsOutputs(t *testing.T) {
	store, mock := newMockStore(t)

	taskID, leaseToken := uuid.New(), uuid.New()
	outputs := []mmodel.Handle{{DatasetUUID: uuid.New(), DatasetVersion: 1, StorageRef: "s3://b/k"}}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), taskID, 1, leaseToken).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CompleteTask(t.Context(), taskID, 1, leaseToken, outputs)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTask_FencingMismatchReturnsFencingError(t *testing.T) {
	store, mock := newMockStore(t)

	taskID, leaseToken := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), taskID, 4, leaseToken).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.FailTask(t.Context(), taskID, 4, leaseToken, mmodel.ErrorKindOperatorFailed, "boom", nil)

	var fencing *orcherrors.FencingError
	require.ErrorAs(t, err, &fencing)
	assert.NoError(t, mock.ExpectationsWereMet())
}
