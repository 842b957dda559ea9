// Package validation checks and sanitizes text submitted for analysis.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Default length bounds, in runes.
const (
	DefaultMinLength = 50
	DefaultMaxLength = 10000
)

var (
	// ErrTooShort is returned when the cleaned text is below the minimum length.
	ErrTooShort = errors.New("text too short")
	// ErrTooLong is returned when the cleaned text exceeds the maximum length.
	ErrTooLong = errors.New("text too long")
	// ErrUnsafeContent is returned for script payloads and other disallowed markup.
	ErrUnsafeContent = errors.New("unsafe content")
	// ErrLowQuality is returned by the paranoid level for spam-like text.
	ErrLowQuality = errors.New("low quality text")
)

// Level selects how strictly suspicious content is treated.
type Level string

const (
	LevelBasic    Level = "basic"
	LevelStrict   Level = "strict"
	LevelParanoid Level = "paranoid"
)

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelBasic, LevelStrict, LevelParanoid:
		return l, nil
	case "":
		return LevelStrict, nil
	default:
		return "", fmt.Errorf("unknown validation level %q", s)
	}
}

// Options configures a Validator. Zero values fall back to defaults.
type Options struct {
	MinLength int
	MaxLength int
	Level     Level
}

// Validator is stateless and safe for concurrent use.
type Validator struct {
	min   int
	max   int
	level Level
}

// New creates a Validator.
func New(opts Options) *Validator {
	v := &Validator{min: opts.MinLength, max: opts.MaxLength, level: opts.Level}
	if v.min <= 0 {
		v.min = DefaultMinLength
	}
	if v.max <= 0 {
		v.max = DefaultMaxLength
	}
	if v.level == "" {
		v.level = LevelStrict
	}
	return v
}

// MinLength returns the configured minimum length in runes.
func (v *Validator) MinLength() int { return v.min }

// MaxLength returns the configured maximum length in runes.
func (v *Validator) MaxLength() int { return v.max }

// Level returns the configured validation level.
func (v *Validator) Level() Level { return v.level }

// Report is the detailed outcome of a successful validation.
type Report struct {
	Text           string    `json:"text"`
	OriginalLength int       `json:"original_length"`
	CleanedLength  int       `json:"cleaned_length"`
	Warnings       []string  `json:"warnings,omitempty"`
	Stats          TextStats `json:"stats"`
}

// Validate returns the sanitized text or one of ErrTooShort, ErrTooLong,
// ErrUnsafeContent, ErrLowQuality (wrapped with detail).
func (v *Validator) Validate(raw string) (string, error) {
	rep, err := v.Inspect(raw)
	if err != nil {
		return "", err
	}
	return rep.Text, nil
}

// Inspect runs the same checks as Validate and also returns warnings and
// text statistics.
func (v *Validator) Inspect(raw string) (Report, error) {
	cleaned := cleanup(raw)
	n := utf8.RuneCountInString(cleaned)
	rep := Report{OriginalLength: utf8.RuneCountInString(raw), CleanedLength: n}

	if n < v.min {
		return rep, fmt.Errorf("%w: minimum %d characters required, got %d", ErrTooShort, v.min, n)
	}
	if n > v.max {
		return rep, fmt.Errorf("%w: maximum %d characters allowed, got %d", ErrTooLong, v.max, n)
	}

	warnings, err := v.checkSecurity(cleaned)
	if err != nil {
		return rep, err
	}

	// Entities are decoded by sanitize, so payloads hidden behind them only
	// show up now.
	text := sanitize(cleaned)
	if err := checkPayload(text); err != nil {
		return rep, err
	}
	if tagOpen.MatchString(text) {
		return rep, fmt.Errorf("%w: markup survived sanitization", ErrUnsafeContent)
	}
	if text != cleaned {
		warnings = append(warnings, "markup detected and removed")
	}
	// Markup-only padding must not satisfy the minimum.
	if m := utf8.RuneCountInString(text); m < v.min {
		return rep, fmt.Errorf("%w: minimum %d characters required after sanitization, got %d", ErrTooShort, v.min, m)
	}

	qw, err := v.checkQuality(text)
	if err != nil {
		return rep, err
	}
	warnings = append(warnings, qw...)

	rep.Text = text
	rep.Warnings = warnings
	rep.Stats = Analyze(text)
	return rep, nil
}

// cleanup applies NFKC, drops control characters and collapses whitespace.
func cleanup(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

var (
	dangerousTag   = regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed|applet|style|link|meta|base|form|svg)\b`)
	scriptProtocol = regexp.MustCompile(`(?i)\b(javascript|vbscript|livescript)\s*:|data\s*:\s*text/html`)
	eventHandler   = regexp.MustCompile(`(?i)<[^>]*\son[a-z]+\s*=`)
	sqlStatement   = regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|select\s+.+\s+from|insert\s+into|delete\s+from|drop\s+(table|database)|update\s+\w+\s+set|alter\s+table|create\s+table)\b`)
	tagOpen        = regexp.MustCompile(`<[A-Za-z!/?]`)
	symbolRun      = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?;:'"-]{5,}`)
)

// maxRepeat is the longest run of one character tolerated at strict level.
const maxRepeat = 10

func (v *Validator) checkSecurity(text string) ([]string, error) {
	var warnings []string

	if err := checkPayload(text); err != nil {
		return nil, err
	}

	if v.level == LevelParanoid && sqlStatement.MatchString(text) {
		return nil, fmt.Errorf("%w: SQL statement pattern", ErrUnsafeContent)
	}

	if longestRun(text) > maxRepeat {
		if v.level != LevelBasic {
			return nil, fmt.Errorf("%w: excessive character repetition", ErrUnsafeContent)
		}
		warnings = append(warnings, "repeated character patterns detected")
	}

	if symbolRun.MatchString(text) {
		warnings = append(warnings, "unusual symbol patterns detected")
	}
	return warnings, nil
}

func checkPayload(text string) error {
	switch {
	case dangerousTag.MatchString(text):
		return fmt.Errorf("%w: script or embedded content tag", ErrUnsafeContent)
	case scriptProtocol.MatchString(text):
		return fmt.Errorf("%w: script protocol", ErrUnsafeContent)
	case eventHandler.MatchString(text):
		return fmt.Errorf("%w: inline event handler", ErrUnsafeContent)
	}
	return nil
}

func longestRun(s string) int {
	var prev rune = -1
	run, longest := 0, 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}
