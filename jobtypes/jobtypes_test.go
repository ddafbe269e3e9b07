package jobtypes_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/jobtypes"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, d jobtypes.Deps) *jobhub.Server {
	t.Helper()
	mux := jobhub.NewMux()
	jobtypes.Register(mux, d)
	srv := jobhub.NewServer(jobhub.NewMemoryStore(), jobhub.Config{
		Workers:           2,
		DefaultMaxRetries: 1,
		HeartbeatInterval: 20 * time.Millisecond,
		Logger:            jobhub.NopLogger{},
		Health:            jobhub.HealthConfig{DisableHost: true, SampleInterval: 50 * time.Millisecond},
	}, mux)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func waitTerminal(t *testing.T, srv *jobhub.Server, id string) *jobhub.Job {
	t.Helper()
	var j *jobhub.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = srv.Get(context.Background(), id)
		return err == nil && j.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestRegister_OnlyWiredTypes(t *testing.T) {
	mux := jobhub.NewMux()
	types := jobtypes.Register(mux, jobtypes.Deps{Assigner: jobtypes.NewMemoryCases()})
	require.Equal(t, []string{jobtypes.TypeBulkAssignment}, types)
	require.Equal(t, []string{jobtypes.TypeBulkAssignment}, mux.Types())
}

func TestPayloadValidation(t *testing.T) {
	mux := jobhub.NewMux()
	jobtypes.Register(mux, jobtypes.Deps{
		Assigner: jobtypes.NewMemoryCases(),
		Cleaner:  jobtypes.NewMemoryObjects(),
		Exporter: &jobtypes.MemoryExporter{},
		Analyzer: &jobtypes.KeywordAnalyzer{},
	})

	cases := []struct {
		name    string
		jobType string
		data    string
		ok      bool
	}{
		{"bulk ok", jobtypes.TypeBulkAssignment, `{"caseId":"c1","emailIds":["e1","e2"]}`, true},
		{"bulk no case", jobtypes.TypeBulkAssignment, `{"emailIds":["e1"]}`, false},
		{"bulk no emails", jobtypes.TypeBulkAssignment, `{"caseId":"c1","emailIds":[]}`, false},
		{"bulk duplicate", jobtypes.TypeBulkAssignment, `{"caseId":"c1","emailIds":["e1","e1"]}`, false},
		{"bulk blank id", jobtypes.TypeBulkAssignment, `{"caseId":"c1","emailIds":[" "]}`, false},
		{"bulk not json", jobtypes.TypeBulkAssignment, `nope`, false},
		{"bulk empty", jobtypes.TypeBulkAssignment, ``, false},
		{"cleanup ok", jobtypes.TypeStorageCleanup, `{"olderThanDays":30,"dryRun":true}`, true},
		{"cleanup zero days", jobtypes.TypeStorageCleanup, `{"olderThanDays":0}`, false},
		{"export default format", jobtypes.TypeDataExport, `{"caseId":"c1"}`, true},
		{"export json", jobtypes.TypeDataExport, `{"userId":"u1","format":"json"}`, true},
		{"export bad format", jobtypes.TypeDataExport, `{"caseId":"c1","format":"xlsx"}`, false},
		{"export no source", jobtypes.TypeDataExport, `{"format":"csv"}`, false},
		{"analysis ok", jobtypes.TypeContentAnalysis, `{"documentIds":["d1"],"analyses":["summary"]}`, true},
		{"analysis unknown kind", jobtypes.TypeContentAnalysis, `{"documentIds":["d1"],"analyses":["tone"]}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mux.Validate(tc.jobType, []byte(tc.data))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, jobhub.ErrValidation)
		})
	}
}

func TestBulkAssignment_PartialFailureCompletes(t *testing.T) {
	cases := jobtypes.NewMemoryCases()
	cases.Reject("e2", errors.New("email archived"))
	srv := startServer(t, jobtypes.Deps{Assigner: cases})

	id, err := srv.Submit(context.Background(), jobtypes.TypeBulkAssignment,
		jobtypes.BulkAssignment{CaseID: "case-9", EmailIDs: []string{"e1", "e2", "e3"}})
	require.NoError(t, err)

	j := waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusCompleted, j.Status)
	require.Nil(t, j.Error)
	require.Equal(t, []string{"e1", "e3"}, j.Result.Succeeded)
	require.Equal(t, []jobhub.ItemFailure{{ID: "e2", Error: "email archived"}}, j.Result.Failed)
	require.Equal(t, 3, j.Result.Processed)
	require.Equal(t, "assigned 2 of 3 emails to case case-9", j.Result.Summary)
	require.Equal(t, 100, j.Progress.Percentage)

	c, ok := cases.CaseOf("e3")
	require.True(t, ok)
	require.Equal(t, "case-9", c)
}

func TestBulkAssignment_AllFailedIsJobFailure(t *testing.T) {
	cases := jobtypes.NewMemoryCases()
	cases.Reject("e1", errors.New("locked"))
	srv := startServer(t, jobtypes.Deps{Assigner: cases})

	id, err := srv.Submit(context.Background(), jobtypes.TypeBulkAssignment,
		jobtypes.BulkAssignment{CaseID: "c", EmailIDs: []string{"e1"}})
	require.NoError(t, err)

	j := waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusFailed, j.Status)
	require.Contains(t, j.Error.Message, "all 1 assignments")
}

func TestBulkAssignment_CancelKeepsPartialResult(t *testing.T) {
	cases := jobtypes.NewMemoryCases()
	cases.Delay = 20 * time.Millisecond
	srv := startServer(t, jobtypes.Deps{Assigner: cases})

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("e%d", i)
	}
	id, err := srv.Submit(context.Background(), jobtypes.TypeBulkAssignment,
		jobtypes.BulkAssignment{CaseID: "c", EmailIDs: ids})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := srv.Get(context.Background(), id)
		return err == nil && j.Progress != nil && j.Progress.ProcessedItems >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, srv.Cancel(context.Background(), id))

	j := waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusCancelled, j.Status)
	require.Less(t, j.Result.Processed, len(ids))
	require.Contains(t, j.Result.Summary, "items processed before cancellation")
}

func TestStorageCleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40)
	objs := jobtypes.NewMemoryObjects(
		jobtypes.StoredObject{Key: "tmp/a", Size: 1024, ModTime: old},
		jobtypes.StoredObject{Key: "tmp/b", Size: 2048, ModTime: old},
		jobtypes.StoredObject{Key: "tmp/new", Size: 10, ModTime: now},
		jobtypes.StoredObject{Key: "keep/c", Size: 10, ModTime: old},
	)
	srv := startServer(t, jobtypes.Deps{Cleaner: objs, Now: func() time.Time { return now }})
	ctx := context.Background()

	dry, err := srv.Submit(ctx, jobtypes.TypeStorageCleanup, jobtypes.StorageCleanup{Prefix: "tmp/", OlderThanDays: 30, DryRun: true})
	require.NoError(t, err)
	j := waitTerminal(t, srv, dry)
	require.Equal(t, jobhub.StatusCompleted, j.Status)
	require.Equal(t, 4, objs.Len(), "dry run removes nothing")

	id, err := srv.Submit(ctx, jobtypes.TypeStorageCleanup, jobtypes.StorageCleanup{Prefix: "tmp/", OlderThanDays: 30})
	require.NoError(t, err)
	j = waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusCompleted, j.Status)
	require.Equal(t, 2, objs.Len())

	var rep jobtypes.CleanupReport
	require.NoError(t, json.Unmarshal(j.Result.Output, &rep))
	require.Equal(t, 2, rep.Matched)
	require.Equal(t, 2, rep.Removed)
	require.EqualValues(t, 3072, rep.FreedBytes)
	require.Contains(t, j.Result.Summary, "removed 2 of 2 objects")
	require.Contains(t, j.Result.Summary, "3.0 KiB")
}

func TestDataExport_BatchesAndPublishes(t *testing.T) {
	exp := &jobtypes.MemoryExporter{Rows: map[string]int{"case:c1": 1250}}
	srv := startServer(t, jobtypes.Deps{Exporter: exp, ExportBatchSize: 500})

	id, err := srv.Submit(context.Background(), jobtypes.TypeDataExport, jobtypes.DataExport{CaseID: "c1"})
	require.NoError(t, err)
	j := waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusCompleted, j.Status)

	var rep jobtypes.ExportReport
	require.NoError(t, json.Unmarshal(j.Result.Output, &rep))
	require.Equal(t, jobtypes.ExportReport{Format: "csv", Rows: 1250, Location: "memory://exports/case-c1.csv"}, rep)
	require.Equal(t, "exported 1,250 rows as csv", j.Result.Summary)
	require.Equal(t, 1250, j.Progress.ProcessedItems)
}

func TestDataExport_UnknownSourceFails(t *testing.T) {
	srv := startServer(t, jobtypes.Deps{Exporter: &jobtypes.MemoryExporter{}})
	id, err := srv.Submit(context.Background(), jobtypes.TypeDataExport, jobtypes.DataExport{UserID: "ghost"})
	require.NoError(t, err)
	j := waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusFailed, j.Status)
	require.Contains(t, j.Error.Message, "user:ghost")
}

func TestContentAnalysis(t *testing.T) {
	an := &jobtypes.KeywordAnalyzer{Docs: map[string]string{
		"d1": "Thanks, the issue is resolved. Great work from Alice.",
		"d2": "Urgent complaint about a late delivery.",
	}}
	srv := startServer(t, jobtypes.Deps{Analyzer: an})

	id, err := srv.Submit(context.Background(), jobtypes.TypeContentAnalysis, jobtypes.ContentAnalysis{
		DocumentIDs: []string{"d1", "d2", "missing"},
		Analyses:    []string{jobtypes.AnalysisSentiment, jobtypes.AnalysisEntities},
	})
	require.NoError(t, err)
	j := waitTerminal(t, srv, id)
	require.Equal(t, jobhub.StatusCompleted, j.Status)
	require.Equal(t, "analyzed 2 of 3 documents", j.Result.Summary)
	require.Len(t, j.Result.Failed, 1)
	require.Equal(t, "missing", j.Result.Failed[0].ID)

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(j.Result.Output, &out))
	require.EqualValues(t, 3, out["d1"][jobtypes.AnalysisSentiment])
	require.EqualValues(t, -3, out["d2"][jobtypes.AnalysisSentiment])
	require.Contains(t, out["d1"][jobtypes.AnalysisEntities], "Alice")
}
