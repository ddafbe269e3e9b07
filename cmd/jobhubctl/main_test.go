package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/httpapi"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T) (*jobhub.Server, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	mux := jobhub.NewMux()
	mux.Handle("echo", func(ctx context.Context, _ []byte) error {
		jobhub.SetSummary(ctx, "echoed")
		return nil
	})
	srv := jobhub.NewServer(jobhub.NewMemoryStore(), jobhub.Config{
		Workers:           2,
		DefaultMaxRetries: 1,
		HeartbeatInterval: 20 * time.Millisecond,
		Logger:            jobhub.NopLogger{},
		Health:            jobhub.HealthConfig{DisableHost: true, SampleInterval: 50 * time.Millisecond},
	}, mux)
	require.NoError(t, srv.Start(context.Background()))
	ts := httptest.NewServer(httpapi.New(srv, httpapi.Options{}).Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, ts.URL
}

func runCLI(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--server", url}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_SubmitStatusList(t *testing.T) {
	srv, url := newAPI(t)

	out, err := runCLI(t, url, "--output", "json", "submit", "--type", "echo", "--data", `{"a":1}`, "--priority", "high", "--user", "u1")
	require.NoError(t, err)
	var sub httpapi.SubmitResponse
	require.NoError(t, json.Unmarshal([]byte(out), &sub))
	require.NotEmpty(t, sub.JobID)

	require.Eventually(t, func() bool {
		j, err := srv.Get(context.Background(), sub.JobID)
		return err == nil && j.Status == jobhub.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	out, err = runCLI(t, url, "status", sub.JobID)
	require.NoError(t, err)
	require.Contains(t, out, "completed")
	require.Contains(t, out, "echoed")

	out, err = runCLI(t, url, "--output", "json", "list", "--user", "u1", "--partition", "completed")
	require.NoError(t, err)
	var res jobhub.ListResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 1, res.Total)
	require.Equal(t, jobhub.PriorityHigh, res.Jobs[0].Priority)

	out, err = runCLI(t, url, "list")
	require.NoError(t, err)
	require.Contains(t, out, sub.JobID)
	require.Contains(t, out, "page 1, 1 of 1 jobs")

	out, err = runCLI(t, url, "delete", sub.JobID)
	require.NoError(t, err)
	require.Contains(t, out, "deleted")
}

func TestCLI_Errors(t *testing.T) {
	_, url := newAPI(t)

	_, err := runCLI(t, url, "submit", "--type", "nope")
	require.ErrorIs(t, err, jobhub.ErrValidation)

	_, err = runCLI(t, url, "submit", "--type", "echo", "--data", "{bad")
	require.ErrorContains(t, err, "not valid JSON")

	_, err = runCLI(t, url, "status", "missing")
	require.ErrorIs(t, err, jobhub.ErrNotFound)

	_, err = runCLI(t, url, "--output", "yaml", "health")
	require.ErrorContains(t, err, "unknown output format")

	_, err = runCLI(t, url, "workers", "explode")
	require.Error(t, err)
}

func TestCLI_SystemCommands(t *testing.T) {
	srv, url := newAPI(t)

	out, err := runCLI(t, url, "pause")
	require.NoError(t, err)
	require.Contains(t, out, "paused")
	require.True(t, srv.Paused())

	out, err = runCLI(t, url, "health")
	require.NoError(t, err)
	require.Contains(t, out, "paused")
	require.Contains(t, out, "utilization")

	_, err = runCLI(t, url, "resume")
	require.NoError(t, err)
	require.False(t, srv.Paused())

	out, err = runCLI(t, url, "--output", "json", "workers", "scale", "--count", "3")
	require.NoError(t, err)
	var wr httpapi.WorkerResponse
	require.NoError(t, json.Unmarshal([]byte(out), &wr))
	require.Len(t, wr.Workers, 3)

	out, err = runCLI(t, url, "workers")
	require.NoError(t, err)
	require.Contains(t, out, "w-3")

	out, err = runCLI(t, url, "--output", "json", "alerts", "--all")
	require.NoError(t, err)
	var alerts []jobhub.Alert
	require.NoError(t, json.Unmarshal([]byte(out), &alerts))
}
