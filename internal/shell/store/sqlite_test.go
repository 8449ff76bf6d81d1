package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "shipit.db"))
	require.NoError(t, err)
	store.now = func() time.Time { return testNow }
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testTarget() domain.RemoteTarget {
	return domain.RemoteTarget{Host: "app.example.com", User: "deploy", BasePath: "/srv/app"}
}

func newTestReport(t *testing.T, startedAt time.Time) *domain.DeployReport {
	t.Helper()
	artifact, err := domain.NewReleaseArtifact("/build/docker-compose.yml", testTarget())
	require.NoError(t, err)
	return domain.NewDeployReport(testTarget(), artifact, startedAt)
}

// drive walks report through states, recording each with the store.
func drive(t *testing.T, s *SQLiteStore, report *domain.DeployReport, at time.Time, to ...domain.RunState) {
	t.Helper()
	for i, state := range to {
		tr, err := report.Transition(state, at.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, err)
		require.NoError(t, s.OnTransition(context.Background(), report, tr))
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestNewSQLiteStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipit.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	report := newTestReport(t, testNow)
	require.NoError(t, s1.BeginRun(context.Background(), report, 0))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, rec.ID)
}

// =============================================================================
// Deploy Run Tests
// =============================================================================

func TestBeginRun_RecordsOpenRun(t *testing.T) {
	s := setupTestStore(t)
	report := newTestReport(t, testNow)

	require.NoError(t, s.BeginRun(context.Background(), report, 0))

	rec, err := s.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, KindDeploy, rec.Kind)
	assert.Equal(t, "app.example.com:22", rec.Target)
	assert.Equal(t, "/srv/app/docker-compose.yml", rec.Artifact)
	assert.Equal(t, string(domain.StateIdle), rec.State)
	assert.Equal(t, testNow, rec.StartedAt)
	assert.Nil(t, rec.FinishedAt)
}

func TestBeginRun_ActiveGuard(t *testing.T) {
	s := setupTestStore(t)
	first := newTestReport(t, testNow)
	require.NoError(t, s.BeginRun(context.Background(), first, time.Hour))

	second := newTestReport(t, testNow.Add(time.Minute))
	err := s.BeginRun(context.Background(), second, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunActive)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, first.RunID, storeErr.ID)

	_, err = s.GetRun(context.Background(), second.RunID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBeginRun_OtherTargetNotBlocked(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.BeginRun(context.Background(), newTestReport(t, testNow), 0))

	other := newTestReport(t, testNow)
	other.Target.Host = "other.example.com"
	assert.NoError(t, s.BeginRun(context.Background(), other, 0))
}

func TestBeginRun_FinishedRunReleasesGuard(t *testing.T) {
	s := setupTestStore(t)
	first := newTestReport(t, testNow)
	require.NoError(t, s.BeginRun(context.Background(), first, 0))
	drive(t, s, first, testNow, domain.StatePreflight, domain.StateFatal)

	assert.NoError(t, s.BeginRun(context.Background(), newTestReport(t, testNow.Add(time.Minute)), 0))
}

func TestBeginRun_StaleRunAbandoned(t *testing.T) {
	s := setupTestStore(t)
	stale := newTestReport(t, testNow.Add(-2*time.Hour))
	require.NoError(t, s.BeginRun(context.Background(), stale, time.Hour))

	fresh := newTestReport(t, testNow)
	require.NoError(t, s.BeginRun(context.Background(), fresh, time.Hour))

	rec, err := s.GetRun(context.Background(), stale.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, rec.Outcome)
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, testNow, *rec.FinishedAt)
}

func TestBeginRun_ZeroStaleAfterNeverExpires(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.BeginRun(context.Background(), newTestReport(t, testNow.Add(-240*time.Hour)), 0))

	err := s.BeginRun(context.Background(), newTestReport(t, testNow), 0)
	assert.ErrorIs(t, err, ErrRunActive)
}

func TestOnTransition_RecordsAndFinishes(t *testing.T) {
	s := setupTestStore(t)
	report := newTestReport(t, testNow)
	require.NoError(t, s.BeginRun(context.Background(), report, 0))

	drive(t, s, report, testNow,
		domain.StatePreflight, domain.StateProvisioning, domain.StateTransferring, domain.StateActivating, domain.StateRollingBack)
	report.RollbackAttempted = true
	report.RollbackSucceeded = true
	report.Images = []string{"registry.example.com/team/app:latest"}
	tr, err := report.Fail(domain.ReasonActivationFailed, errors.New("exited 1"), testNow.Add(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, s.OnTransition(context.Background(), report, tr))

	rec, err := s.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)

	assert.Equal(t, string(domain.StateFatal), rec.State)
	assert.Equal(t, string(domain.OutcomeFatal), rec.Outcome)
	assert.Equal(t, string(domain.ReasonActivationFailed), rec.Reason)
	assert.Equal(t, string(domain.StateActivating), rec.FailedStage)
	assert.Contains(t, rec.Error, "exited 1")
	assert.True(t, rec.RollbackAttempted)
	assert.True(t, rec.RollbackSucceeded)
	assert.False(t, rec.RestoredPrevious)
	assert.Equal(t, report.Images, rec.Images)
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, testNow.Add(10*time.Second), *rec.FinishedAt)

	require.Len(t, rec.Transitions, 6)
	assert.Equal(t, report.Transitions, rec.Transitions)
}

func TestAppendTransition_UnknownRun(t *testing.T) {
	s := setupTestStore(t)

	err := s.AppendTransition(context.Background(), "missing", domain.Transition{From: domain.StateIdle, To: domain.StatePreflight, At: testNow})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestFinishRun_NotFinished(t *testing.T) {
	s := setupTestStore(t)
	report := newTestReport(t, testNow)
	require.NoError(t, s.BeginRun(context.Background(), report, 0))

	err := s.FinishRun(context.Background(), report)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestFinishRun_Unknown(t *testing.T) {
	s := setupTestStore(t)
	report := newTestReport(t, testNow)
	_, err := report.Transition(domain.StatePreflight, testNow)
	require.NoError(t, err)
	_, err = report.Fail(domain.ReasonUnreachableTarget, errors.New("timeout"), testNow)
	require.NoError(t, err)

	err = s.FinishRun(context.Background(), report)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Build Run Tests
// =============================================================================

func TestRecordBuild(t *testing.T) {
	s := setupTestStore(t)
	stable, err := domain.NewImageReference("registry.example.com", "team/app", "latest")
	require.NoError(t, err)

	require.NoError(t, s.RecordBuild(context.Background(), BuildRecord{
		ID:         "build-1",
		Image:      stable.Name(),
		Result:     domain.PublishResult{Stable: stable, Unique: stable.WithTag("20260314-0930")},
		StartedAt:  testNow,
		FinishedAt: testNow.Add(time.Minute),
	}))
	require.NoError(t, s.RecordBuild(context.Background(), BuildRecord{
		ID:         "build-2",
		Image:      stable.Name(),
		Err:        domain.NewPublishError(domain.StepPush, errors.New("denied")),
		StartedAt:  testNow.Add(time.Hour),
		FinishedAt: testNow.Add(time.Hour + time.Minute),
	}))

	ok, err := s.GetRun(context.Background(), "build-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.OutcomeSuccess), ok.Outcome)
	assert.Equal(t, []string{
		"registry.example.com/team/app:20260314-0930",
		"registry.example.com/team/app:latest",
	}, ok.Images)

	failed, err := s.GetRun(context.Background(), "build-2")
	require.NoError(t, err)
	assert.Equal(t, string(domain.OutcomeFatal), failed.Outcome)
	assert.Equal(t, "push", failed.FailedStage)
	assert.Contains(t, failed.Error, "denied")
	assert.Empty(t, failed.Images)

	err = s.RecordBuild(context.Background(), BuildRecord{ID: "build-1", Image: stable.Name(), StartedAt: testNow, FinishedAt: testNow})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

// =============================================================================
// List Tests
// =============================================================================

func TestListRuns_NewestFirstWithPaging(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordBuild(context.Background(), BuildRecord{
			ID:         fmt.Sprintf("build-%d", i),
			Image:      "registry.example.com/team/app",
			StartedAt:  testNow.Add(time.Duration(i) * time.Minute),
			FinishedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.BeginRun(context.Background(), newTestReport(t, testNow.Add(time.Hour)), 0))

	all, err := s.ListRuns(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, KindDeploy, all[0].Kind)
	assert.Equal(t, "build-4", all[1].ID)

	page, err := s.ListRuns(context.Background(), ListOptions{Limit: 2, Offset: 2, Kind: KindBuild})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "build-2", page[0].ID)
	assert.Equal(t, "build-1", page[1].ID)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		in   ListOptions
		want ListOptions
	}{
		{ListOptions{}, ListOptions{Limit: 100}},
		{ListOptions{Limit: 5000, Offset: -1}, ListOptions{Limit: 1000}},
		{ListOptions{Limit: 10, Offset: 20, Kind: KindDeploy}, ListOptions{Limit: 10, Offset: 20, Kind: KindDeploy}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalize())
	}
}
