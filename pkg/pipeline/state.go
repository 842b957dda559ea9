package pipeline

import (
	"context"

	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/ratelimit"
)

// State is a step in the life of a request.
type State string

const (
	StateReceived            State = "received"
	StateValidated           State = "validated"
	StateRateChecked         State = "rate_checked"
	StateCacheChecked        State = "cache_checked"
	StateCacheHit            State = "cache_hit"
	StateExternalCallPending State = "external_call_pending"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Outcome describes a processed request. It is filled as far as the request
// got, so a failed outcome still carries the trail and any fingerprint.
type Outcome struct {
	Result      models.AnalysisResult
	Fingerprint string
	Cached      bool
	// Shared is true when the result came from another request's in-flight call.
	Shared    bool
	Warnings  []string
	RateLimit ratelimit.Decision
	State     State
	Trail     []State
}

func (o *Outcome) advance(s State) {
	if o.State.Terminal() {
		return
	}
	o.State = s
	o.Trail = append(o.Trail, s)
}

type requestIDKey struct{}

// WithRequestID attaches a request ID that ends up in audit entries and logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the ID set by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
