package models

import (
	"fmt"
	"math"
	"strings"
)

// MBTITypes lists the sixteen valid Myers-Briggs type codes.
var MBTITypes = []string{
	"INTJ", "INTP", "ENTJ", "ENTP",
	"INFJ", "INFP", "ENFJ", "ENFP",
	"ISTJ", "ISFJ", "ESTJ", "ESFJ",
	"ISTP", "ISFP", "ESTP", "ESFP",
}

var mbtiIndex = func() map[string]struct{} {
	m := make(map[string]struct{}, len(MBTITypes))
	for _, t := range MBTITypes {
		m[t] = struct{}{}
	}
	return m
}()

// IsMBTIType reports whether code is one of the sixteen MBTI types.
// Matching is case-insensitive.
func IsMBTIType(code string) bool {
	_, ok := mbtiIndex[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// AnalysisRequest is a single inbound analysis submission.
type AnalysisRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"-"`
}

// AnalysisResult is the personality profile produced for a text.
// Values are never mutated after construction; copies are handed out.
type AnalysisResult struct {
	Openness          float64 `json:"openness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Neuroticism       float64 `json:"neuroticism"`
	MBTIType          string  `json:"mbti_type"`
	ToneAnalysis      string  `json:"tone_analysis"`
	WritingStyle      string  `json:"writing_style"`
	Summary           string  `json:"summary"`
}

// Scores returns the Big Five scores keyed by trait name.
func (r AnalysisResult) Scores() map[string]float64 {
	return map[string]float64{
		"openness":          r.Openness,
		"conscientiousness": r.Conscientiousness,
		"extraversion":      r.Extraversion,
		"agreeableness":     r.Agreeableness,
		"neuroticism":       r.Neuroticism,
	}
}

// Validate checks that every score lies in [0, 1] and the MBTI code is known.
func (r AnalysisResult) Validate() error {
	for trait, v := range r.Scores() {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s score %v out of range [0, 1]", trait, v)
		}
	}
	if !IsMBTIType(r.MBTIType) {
		return fmt.Errorf("unknown MBTI type %q", r.MBTIType)
	}
	return nil
}
