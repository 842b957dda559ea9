package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/persona/pkg/models"
)

func failing(err error, calls *int) Analyzer {
	return Func(func(context.Context, string) (models.AnalysisResult, error) {
		*calls++
		return models.AnalysisResult{}, err
	})
}

func TestFallbackMovesOnForUpstreamFaults(t *testing.T) {
	var a, b, c int
	want := models.AnalysisResult{MBTIType: "INTJ", Summary: "ok"}
	f := Fallback{
		failing(ErrUnavailable, &a),
		failing(ErrQuotaExhausted, &b),
		Func(func(context.Context, string) (models.AnalysisResult, error) {
			c++
			return want, nil
		}),
	}

	got, err := f.Analyze(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []int{1, 1, 1}, []int{a, b, c})
}

func TestFallbackStopsOnTerminalErrors(t *testing.T) {
	for _, terminal := range []error{ErrTimeout, ErrMalformedResponse} {
		var a, b int
		f := Fallback{failing(terminal, &a), failing(nil, &b)}
		_, err := f.Analyze(context.Background(), "text")
		assert.ErrorIs(t, err, terminal)
		assert.Equal(t, 0, b, "no retry after %v", terminal)
	}
}

func TestFallbackReturnsLastError(t *testing.T) {
	var a, b int
	f := Fallback{failing(ErrQuotaExhausted, &a), failing(ErrUnavailable, &b)}
	_, err := f.Analyze(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFallbackStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var a, b int
	f := Fallback{failing(ErrUnavailable, &a), failing(nil, &b)}
	_, err := f.Analyze(ctx, "text")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, b)
}

func TestFallbackEmpty(t *testing.T) {
	_, err := Fallback{}.Analyze(context.Background(), "text")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}
