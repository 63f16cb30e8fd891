package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, "nucleus-auth")
	r.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("CET", 3600)) }

	r.Record(context.Background(), ActionLogin, "ada@example.com", "", errors.New("invalid_credential"))

	var line struct {
		Event Event `json:"audit_event"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "nucleus-auth", line.Event.Service)
	assert.Equal(t, ActionLogin, line.Event.Action)
	assert.Equal(t, "ada@example.com", line.Event.User)
	assert.False(t, line.Event.Success)
	assert.Equal(t, "invalid_credential", line.Event.Error)
	assert.True(t, time.Date(2026, 3, 14, 14, 9, 26, 0, time.UTC).Equal(line.Event.Timestamp))
	assert.Empty(t, line.Event.TraceID)
}

func TestRecordSuccess(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "svc").Record(context.Background(), ActionCleanup, "", "3", nil)

	assert.Contains(t, buf.String(), `"success":true`)
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() { r.Record(context.Background(), ActionSignup, "u", "", nil) })
}
