package gitoutbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func taskCols() []string {
	return []string{"task_id", "task_type", "payload_json", "status", "attempts", "locked_at", "locked_by",
		"coalesce", "coalesce", "result_json", "coalesce", "coalesce", "coalesce",
		"coalesce", "idempotency_key", "created_at", "updated_at"}
}

func TestEnqueueInsertsNewTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO git_outbox_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT task_id, task_type, payload_json, status, attempts, locked_at, locked_by").
		WillReturnRows(sqlmock.NewRows(taskCols()).AddRow(
			"gto_1", "open_pr", []byte(`{}`), "pending", 0, nil, "", "", "", nil, "proj_1", "", "",
			"", "key-1", time.Now(), time.Now()))

	store := NewStore(db)
	task, created, err := store.Enqueue(context.Background(), EnqueueInput{
		TaskType:       TaskOpenPR,
		PayloadJSON:    []byte(`{}`),
		ProjectID:      "proj_1",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "gto_1", task.TaskID)
	require.Equal(t, StatusPending, task.Status)
}

func TestEnqueueReturnsExistingOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO git_outbox_tasks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT task_id, task_type, payload_json, status, attempts, locked_at, locked_by").
		WillReturnRows(sqlmock.NewRows(taskCols()).AddRow(
			"gto_1", "open_pr", []byte(`{}`), "pending", 0, nil, "", "", "", nil, "proj_1", "", "",
			"", "key-1", time.Now(), time.Now()))

	store := NewStore(db)
	task, created, err := store.Enqueue(context.Background(), EnqueueInput{
		TaskType:       TaskOpenPR,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "gto_1", task.TaskID)
}

func TestClaimNextClaimsOldestPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT task_id FROM git_outbox_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("gto_1"))
	mock.ExpectExec("UPDATE git_outbox_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT task_id, task_type, payload_json, status, attempts, locked_at, locked_by").
		WillReturnRows(sqlmock.NewRows(taskCols()).AddRow(
			"gto_1", "open_pr", []byte(`{}`), "processing", 1, time.Now(), "worker-a", "", "", nil, "", "", "",
			"", "key-1", time.Now(), time.Now()))

	store := NewStore(db)
	task, ok, err := store.ClaimNext(context.Background(), "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusProcessing, task.Status)
	require.Equal(t, "worker-a", task.LockedBy)
}

func TestClaimNextRaceLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT task_id FROM git_outbox_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("gto_1"))
	mock.ExpectExec("UPDATE git_outbox_tasks").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	_, ok, err := store.ClaimNext(context.Background(), "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrRaceLost)
	require.False(t, ok)
}

func TestClaimNextNoPendingReturnsNotOK(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT task_id FROM git_outbox_tasks").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT task_id, locked_at FROM git_outbox_tasks").WillReturnError(sql.ErrNoRows)

	store := NewStore(db)
	_, ok, err := store.ClaimNext(context.Background(), "worker-a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	err = store.Complete(context.Background(), "gto_1", StatusProcessing, "")
	require.Error(t, err)
}

func TestCompleteSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE git_outbox_tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	err = store.Complete(context.Background(), "gto_1", StatusSucceeded, "")
	require.NoError(t, err)
}

func TestRecordResultPersistsBranchAndCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE git_outbox_tasks SET branch_name").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	err = store.RecordResult(context.Background(), "gto_1", "autonomy/bounty-42", "abc123", []byte(`{"pr_url":"https://example.invalid/pr/9"}`))
	require.NoError(t, err)
}

func TestMergePolicyEvaluate(t *testing.T) {
	policy := MergePolicy{
		RequiredChecks:    []string{"ci"},
		RequiredApprovals: 1,
		RequireNonDraft:   true,
	}

	ok, hint := policy.Evaluate(CheckState{PassingChecks: map[string]bool{"ci": false}})
	require.False(t, ok)
	require.Equal(t, "merge_policy_checks_missing:ci", hint)

	ok, hint = policy.Evaluate(CheckState{PassingChecks: map[string]bool{"ci": true}, Approvals: 0})
	require.False(t, ok)
	require.Equal(t, "merge_policy_approvals_missing", hint)

	ok, hint = policy.Evaluate(CheckState{PassingChecks: map[string]bool{"ci": true}, Approvals: 1, IsDraft: true})
	require.False(t, ok)
	require.Equal(t, "merge_policy_draft_not_allowed", hint)

	ok, hint = policy.Evaluate(CheckState{PassingChecks: map[string]bool{"ci": true}, Approvals: 1})
	require.True(t, ok)
	require.Empty(t, hint)
}
