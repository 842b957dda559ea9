package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFencedJSON(t *testing.T) {
	res, err := Parse("```json\n" + validContent + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "INFJ", res.MBTIType)
}

func TestParseSurroundingProse(t *testing.T) {
	res, err := Parse("Here is the analysis:\n" + validContent + "\nHope this helps.")
	require.NoError(t, err)
	assert.Equal(t, "reflective", res.WritingStyle)
}

func TestParseStringScoresAndLowercaseMBTI(t *testing.T) {
	res, err := Parse(`{"openness":"0.5","conscientiousness":0.6,"extraversion":"1","agreeableness":0,"neuroticism":" 0.25 ","mbti_type":"entp","tone_analysis":"dry","writing_style":"terse","summary":"s"}`)
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Openness)
	assert.Equal(t, 1.0, res.Extraversion)
	assert.Equal(t, 0.25, res.Neuroticism)
	assert.Equal(t, "ENTP", res.MBTIType)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"no object":       "not json at all",
		"broken json":     `{"openness": 0.5,`,
		"missing field":   `{"openness":0.8,"conscientiousness":0.6,"extraversion":0.3,"agreeableness":0.7,"mbti_type":"INFJ","tone_analysis":"warm","writing_style":"reflective","summary":"x"}`,
		"out of range":    `{"openness":1.8,"conscientiousness":0.6,"extraversion":0.3,"agreeableness":0.7,"neuroticism":0.2,"mbti_type":"INFJ","tone_analysis":"warm","writing_style":"reflective","summary":"x"}`,
		"negative":        `{"openness":-0.1,"conscientiousness":0.6,"extraversion":0.3,"agreeableness":0.7,"neuroticism":0.2,"mbti_type":"INFJ","tone_analysis":"warm","writing_style":"reflective","summary":"x"}`,
		"bad mbti":        `{"openness":0.8,"conscientiousness":0.6,"extraversion":0.3,"agreeableness":0.7,"neuroticism":0.2,"mbti_type":"XXXX","tone_analysis":"warm","writing_style":"reflective","summary":"x"}`,
		"score as words":  `{"openness":"high","conscientiousness":0.6,"extraversion":0.3,"agreeableness":0.7,"neuroticism":0.2,"mbti_type":"INFJ","tone_analysis":"warm","writing_style":"reflective","summary":"x"}`,
		"text not string": `{"openness":0.8,"conscientiousness":0.6,"extraversion":0.3,"agreeableness":0.7,"neuroticism":0.2,"mbti_type":"INFJ","tone_analysis":["warm"],"writing_style":"reflective","summary":"x"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(content)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}
