package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	gibberishWord = regexp.MustCompile(`\b[bcdfghjklmnpqrstvwxzBCDFGHJKLMNPQRSTVWXZ]{8,}\b`)
	sentenceSplit = regexp.MustCompile(`[.!?]+`)
	englishMarker = regexp.MustCompile(`(?i)\b(the|and|of|to|a|in|that|have|i|it|for|not)\b`)
)

// Quality thresholds.
const (
	maxURLs          = 3
	maxEmails        = 2
	maxGibberish     = 3
	minASCIIRatio    = 0.8
	englishThreshold = 0.05
)

func (v *Validator) checkQuality(text string) ([]string, error) {
	var warnings []string
	paranoid := v.level == LevelParanoid

	if n := len(urlPattern.FindAllStringIndex(text, -1)); n > maxURLs {
		if paranoid {
			return nil, fmt.Errorf("%w: too many URLs (%d)", ErrLowQuality, n)
		}
		warnings = append(warnings, fmt.Sprintf("many URLs detected (%d)", n))
	}

	if n := len(emailPattern.FindAllStringIndex(text, -1)); n > maxEmails {
		warnings = append(warnings, fmt.Sprintf("multiple email addresses detected (%d)", n))
	}

	if n := len(gibberishWord.FindAllStringIndex(text, -1)); n > maxGibberish {
		if paranoid {
			return nil, fmt.Errorf("%w: too much gibberish", ErrLowQuality)
		}
		warnings = append(warnings, "potential gibberish text detected")
	}

	if ratio := asciiRatio(text); ratio < minASCIIRatio {
		if paranoid {
			return nil, fmt.Errorf("%w: too many non-ASCII characters", ErrLowQuality)
		}
		warnings = append(warnings, fmt.Sprintf("low ASCII ratio: %.0f%%", ratio*100))
	}

	return warnings, nil
}

func asciiRatio(s string) float64 {
	total, ascii := 0, 0
	for _, r := range s {
		total++
		if r < utf8.RuneSelf {
			ascii++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ascii) / float64(total)
}

// TextStats describes the content of a validated text.
type TextStats struct {
	Words             int     `json:"word_count"`
	Sentences         int     `json:"sentence_count"`
	AvgWordLength     float64 `json:"avg_word_length"`
	AvgSentenceLength float64 `json:"avg_sentence_length"`
	ASCIIRatio        float64 `json:"ascii_ratio"`
	LetterRatio       float64 `json:"letter_ratio"`
	DigitRatio        float64 `json:"digit_ratio"`
	SpaceRatio        float64 `json:"space_ratio"`
	Language          string  `json:"language"`
}

// Analyze computes TextStats for text.
func Analyze(text string) TextStats {
	var st TextStats
	words := strings.Fields(text)
	st.Words = len(words)

	for _, s := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			st.Sentences++
		}
	}

	if st.Words > 0 {
		letters := 0
		for _, w := range words {
			letters += utf8.RuneCountInString(w)
		}
		st.AvgWordLength = float64(letters) / float64(st.Words)
	}
	if st.Sentences > 0 {
		st.AvgSentenceLength = float64(st.Words) / float64(st.Sentences)
	}

	total := 0
	var ascii, letter, digit, space int
	for _, r := range text {
		total++
		if r < utf8.RuneSelf {
			ascii++
		}
		switch {
		case unicode.IsLetter(r):
			letter++
		case unicode.IsDigit(r):
			digit++
		case unicode.IsSpace(r):
			space++
		}
	}
	if total > 0 {
		st.ASCIIRatio = float64(ascii) / float64(total)
		st.LetterRatio = float64(letter) / float64(total)
		st.DigitRatio = float64(digit) / float64(total)
		st.SpaceRatio = float64(space) / float64(total)
	}

	st.Language = "unknown"
	if st.Words > 0 {
		hits := len(englishMarker.FindAllStringIndex(text, -1))
		if float64(hits)/float64(st.Words) > englishThreshold {
			st.Language = "english"
		}
	}
	return st
}
