package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testReport(t *testing.T) *domain.DeployReport {
	t.Helper()
	target := domain.RemoteTarget{Host: "app.example.com", User: "deploy", BasePath: "/srv/app"}
	artifact, err := domain.NewReleaseArtifact("/build/docker-compose.yml", target)
	require.NoError(t, err)
	return domain.NewDeployReport(target, artifact, testNow)
}

func readTextfile(t *testing.T, r *Recorder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipit.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestOnTransition_SuccessfulRun(t *testing.T) {
	r := NewRecorder()
	report := testReport(t)

	for i, s := range []domain.RunState{
		domain.StatePreflight, domain.StateProvisioning, domain.StateTransferring, domain.StateActivating, domain.StateSuccess,
	} {
		tr, err := report.Transition(s, testNow.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, err)
		require.NoError(t, r.OnTransition(context.Background(), report, tr))
	}

	out := readTextfile(t, r)
	assert.Contains(t, out, `shipit_deploy_runs_total{outcome="success",reason="",target="app.example.com:22"} 1`)
	assert.Contains(t, out, `shipit_deploy_stage_duration_seconds_count{stage="activating"} 1`)
	assert.Contains(t, out, `shipit_deploy_run_duration_seconds_sum 5`)
	assert.NotContains(t, out, "shipit_deploy_rollbacks_total{")
}

func TestOnTransition_RolledBackRun(t *testing.T) {
	r := NewRecorder()
	report := testReport(t)

	for i, s := range []domain.RunState{
		domain.StatePreflight, domain.StateProvisioning, domain.StateTransferring, domain.StateActivating, domain.StateRollingBack,
	} {
		tr, err := report.Transition(s, testNow.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, err)
		require.NoError(t, r.OnTransition(context.Background(), report, tr))
	}
	report.RollbackAttempted = true
	tr, err := report.Fail(domain.ReasonActivationFailed, errors.New("exit 1"), testNow.Add(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, r.OnTransition(context.Background(), report, tr))

	out := readTextfile(t, r)
	assert.Contains(t, out, `shipit_deploy_runs_total{outcome="fatal",reason="activation_failed",target="app.example.com:22"} 1`)
	assert.Contains(t, out, `shipit_deploy_rollbacks_total{result="failed"} 1`)
	assert.Contains(t, out, `shipit_deploy_stage_duration_seconds_sum{stage="rolling_back"} 5`)
}

func TestObservePublish(t *testing.T) {
	r := NewRecorder()
	r.ObservePublish(nil, testNow)
	r.ObservePublish(domain.NewPublishError(domain.StepPush, errors.New("denied")), testNow)

	out := readTextfile(t, r)
	assert.Contains(t, out, `shipit_publish_runs_total{outcome="success",step=""} 1`)
	assert.Contains(t, out, `shipit_publish_runs_total{outcome="fatal",step="push"} 1`)
	assert.Contains(t, out, `shipit_last_run_timestamp_seconds{kind="publish",outcome="success"}`)
}

func TestWriteTextfile_EmptyPath(t *testing.T) {
	assert.NoError(t, NewRecorder().WriteTextfile(""))
}
