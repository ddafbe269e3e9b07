package jobhub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_Roundtrip(t *testing.T) {
	enc := &JSONEncoder{}
	type P struct {
		CaseID   string   `json:"caseId"`
		EmailIDs []string `json:"emailIds"`
	}
	in := P{CaseID: "c-1", EmailIDs: []string{"e1", "e2"}}
	data, err := enc.Encode(in)
	require.NoError(t, err, "encode should not error")

	var out P
	require.NoError(t, enc.Decode(data, &out), "decode should not error")
	assert.Equal(t, in, out, "roundtrip mismatch")
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	enc := &JSONEncoder{}
	var out struct{ A int }
	err := enc.Decode([]byte("{"), &out)
	require.Error(t, err, "expected error for invalid JSON")
}

func TestUnmarshalJob_RecomputesCanRetry(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	j := &Job{
		ID:         "j1",
		Type:       "data_export",
		Status:     StatusFailed,
		Priority:   PriorityHigh,
		Data:       json.RawMessage(`{"format":"csv"}`),
		Attempts:   1,
		MaxRetries: 3,
		Error:      &JobError{Kind: ErrorKindExecution, Message: "boom", Retryable: true},
		Timestamps: Timestamps{Created: now, Updated: now, FailedAt: &now},
	}
	b, err := MarshalJob(j)
	require.NoError(t, err)

	got, err := UnmarshalJob(b)
	require.NoError(t, err)
	require.True(t, got.CanRetry)
	require.Equal(t, j.ID, got.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.JSONEq(t, `{"format":"csv"}`, string(got.Data))
	require.True(t, now.Equal(*got.Timestamps.FailedAt))

	// wire keys are camelCase
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Contains(t, raw, "maxRetries")
	require.Contains(t, raw, "timestamps")
}
