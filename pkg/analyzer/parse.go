package analyzer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pario-ai/persona/pkg/models"
)

var scoreFields = []string{"openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism"}

var textFields = []string{"mbti_type", "tone_analysis", "writing_style", "summary"}

// Parse extracts an AnalysisResult from model output. It tolerates markdown
// fences, surrounding prose and scores sent as strings, and rejects anything
// that would not pass AnalysisResult.Validate.
func Parse(content string) (models.AnalysisResult, error) {
	obj, err := extractObject(content)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedResponse, err)
	}

	scores := make(map[string]float64, len(scoreFields))
	for _, name := range scoreFields {
		raw, ok := fields[name]
		if !ok {
			return models.AnalysisResult{}, fmt.Errorf("%w: missing required field %s", ErrMalformedResponse, name)
		}
		v, err := parseScore(raw)
		if err != nil {
			return models.AnalysisResult{}, fmt.Errorf("%w: field %s: %v", ErrMalformedResponse, name, err)
		}
		scores[name] = v
	}

	texts := make(map[string]string, len(textFields))
	for _, name := range textFields {
		raw, ok := fields[name]
		if !ok {
			return models.AnalysisResult{}, fmt.Errorf("%w: missing required field %s", ErrMalformedResponse, name)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return models.AnalysisResult{}, fmt.Errorf("%w: field %s is not a string", ErrMalformedResponse, name)
		}
		texts[name] = strings.TrimSpace(s)
	}

	result := models.AnalysisResult{
		Openness:          scores["openness"],
		Conscientiousness: scores["conscientiousness"],
		Extraversion:      scores["extraversion"],
		Agreeableness:     scores["agreeableness"],
		Neuroticism:       scores["neuroticism"],
		MBTIType:          strings.ToUpper(texts["mbti_type"]),
		ToneAnalysis:      texts["tone_analysis"],
		WritingStyle:      texts["writing_style"],
		Summary:           texts["summary"],
	}
	if err := result.Validate(); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return result, nil
}

// extractObject strips code fences and returns the outermost {...} span.
func extractObject(content string) (string, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}
	return s[start : end+1], nil
}

func parseScore(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("not a number")
		}
		if v, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
	}
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("score %v out of range [0, 1]", v)
	}
	return v, nil
}
