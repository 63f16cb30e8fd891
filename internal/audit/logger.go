// Package audit writes a JSON trail of security relevant account and admin
// actions, separate from the request log.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Actions recorded by the server.
const (
	ActionSignup  = "signup"
	ActionLogin   = "login"
	ActionCleanup = "codes.cleanup"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`
	Target    string    `json:"target,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Recorder writes audit events. A nil *Recorder discards them.
type Recorder struct {
	logger  zerolog.Logger
	service string
	now     func() time.Time
}

func New(w io.Writer, service string) *Recorder {
	return &Recorder{
		logger:  zerolog.New(w),
		service: service,
		now:     time.Now,
	}
}

// Record logs one event. err marks the action as failed.
func (r *Recorder) Record(ctx context.Context, action, user, target string, err error) {
	if r == nil {
		return
	}

	event := Event{
		Timestamp: r.now().UTC(),
		Service:   r.service,
		Action:    action,
		User:      user,
		Target:    target,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event.TraceID = sc.TraceID().String()
	}

	r.logger.Log().Interface("audit_event", event).Send()
}
