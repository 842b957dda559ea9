package analyzer

import (
	"context"
	"errors"

	"github.com/pario-ai/persona/pkg/models"
)

// Fallback tries each Analyzer in order. It moves to the next one only when
// the failure is specific to that upstream (unavailable or out of quota);
// timeouts, malformed output and a done ctx end the chain.
type Fallback []Analyzer

// Analyze implements Analyzer.
func (f Fallback) Analyze(ctx context.Context, text string) (models.AnalysisResult, error) {
	if len(f) == 0 {
		return models.AnalysisResult{}, errors.New("analyzer: no upstreams configured")
	}
	var err error
	for _, a := range f {
		var res models.AnalysisResult
		res, err = a.Analyze(ctx, text)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return models.AnalysisResult{}, err
		}
	}
	return models.AnalysisResult{}, err
}

func retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrQuotaExhausted)
}
