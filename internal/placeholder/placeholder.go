// Package placeholder implements the custom placeholder pipeline: ordered
// text-transform steps applied to a source article field, producing derived
// values that templates reference as {{custom::name}}.
package placeholder

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// StepType identifies one transform kind.
type StepType string

// Supported step types.
const (
	StepRegex      StepType = "REGEX"
	StepUppercase  StepType = "UPPERCASE"
	StepLowercase  StepType = "LOWERCASE"
	StepURLEncode  StepType = "URL_ENCODE"
	StepDateFormat StepType = "DATE_FORMAT"
)

// Step is a single transform in a custom placeholder pipeline. Each step is a
// pure string -> string function; the output of one step is the input of the
// next.
type Step struct {
	Type StepType `json:"type"`

	// Regex step fields.
	RegexSearch       string `json:"regexSearch,omitempty"`
	RegexSearchFlags  string `json:"regexSearchFlags,omitempty"`
	ReplacementString string `json:"replacementString,omitempty"`

	// Date format step fields.
	Format   string `json:"format,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// CustomPlaceholder derives a new template value from a source article field
// by applying Steps strictly in order.
type CustomPlaceholder struct {
	ID                string `json:"id"`
	ReferenceName     string `json:"referenceName"`
	SourcePlaceholder string `json:"sourcePlaceholder"`
	Steps             []Step `json:"steps"`
}

// Key returns the flattened-map key templates use to reference the resolved
// value.
func (p CustomPlaceholder) Key() string {
	return "custom::" + p.ReferenceName
}

// RegexEvalError reports a syntactically invalid regex step. It is a
// configuration error distinct from a non-matching pattern, which is a no-op.
type RegexEvalError struct {
	Pattern string
	Flags   string
	Err     error
}

// Code identifies regex evaluation failures to API clients.
const RegexEvalErrorCode = "CUSTOM_PLACEHOLDER_REGEX_EVAL"

func (e *RegexEvalError) Error() string {
	return fmt.Sprintf("custom placeholder regex %q with flags %q failed to evaluate: %v",
		e.Pattern, e.Flags, e.Err)
}

func (e *RegexEvalError) Unwrap() error { return e.Err }

// Resolve applies the placeholder's steps to the article's flattened fields
// and returns the final value. A missing source field resolves to the empty
// string and still proceeds through the remaining steps.
func Resolve(p CustomPlaceholder, fields map[string]string) (string, error) {
	trace, err := ResolveWithTrace(p, fields)
	if err != nil {
		return "", err
	}
	return trace[len(trace)-1], nil
}

// ResolveWithTrace applies the steps and returns the original value plus the
// value after each step, in order. The returned slice always has
// len(p.Steps)+1 entries on success.
func ResolveWithTrace(p CustomPlaceholder, fields map[string]string) ([]string, error) {
	value := fields[p.SourcePlaceholder]
	trace := make([]string, 0, len(p.Steps)+1)
	trace = append(trace, value)

	for _, step := range p.Steps {
		next, err := applyStep(step, value)
		if err != nil {
			return nil, err
		}
		value = next
		trace = append(trace, value)
	}

	return trace, nil
}

func applyStep(step Step, value string) (string, error) {
	switch step.Type {
	case StepRegex:
		return applyRegex(step, value)
	case StepUppercase:
		return strings.ToUpper(value), nil
	case StepLowercase:
		return strings.ToLower(value), nil
	case StepURLEncode:
		return encodeURIComponent(value), nil
	case StepDateFormat:
		return applyDateFormat(step, value), nil
	default:
		return value, nil
	}
}

func applyRegex(step Step, value string) (string, error) {
	if step.RegexSearch == "" {
		return value, nil
	}

	re, err := regexp.Compile(translateFlags(step.RegexSearchFlags) + step.RegexSearch)
	if err != nil {
		return "", &RegexEvalError{Pattern: step.RegexSearch, Flags: step.RegexSearchFlags, Err: err}
	}

	// A pattern with no matches leaves the value unchanged.
	return strings.TrimSpace(re.ReplaceAllString(value, step.ReplacementString)), nil
}

// translateFlags converts the user-facing flag string (JS-style "gmi") to Go
// inline flags. Replacement is always global, so "g" is dropped.
func translateFlags(flags string) string {
	if flags == "" {
		flags = "mi"
	}

	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's', 'U':
			inline.WriteRune(f)
		}
	}
	if inline.Len() == 0 {
		return ""
	}
	return "(?" + inline.String() + ")"
}

// encodeURIComponent percent-encodes reserved characters without touching the
// characters the encoding scheme treats as safe. Space becomes %20, not +.
func encodeURIComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

// Timestamp layouts commonly found in feed fields, tried in order.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func applyDateFormat(step Step, value string) string {
	parsed, ok := parseTimestamp(strings.TrimSpace(value))
	if !ok {
		return ""
	}

	if step.Timezone != "" {
		loc, err := time.LoadLocation(step.Timezone)
		if err != nil {
			return ""
		}
		parsed = parsed.In(loc)
	}

	if step.Format == "" {
		return parsed.Format(time.RFC3339)
	}
	return parsed.Format(step.Format)
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ApplyAll resolves every placeholder and returns a copy of the fields map
// extended with the custom::name keys.
func ApplyAll(placeholders []CustomPlaceholder, fields map[string]string) (map[string]string, error) {
	extended := make(map[string]string, len(fields)+len(placeholders))
	for k, v := range fields {
		extended[k] = v
	}

	for _, p := range placeholders {
		value, err := Resolve(p, fields)
		if err != nil {
			return nil, err
		}
		extended[p.Key()] = value
	}

	return extended, nil
}

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// ReplaceTemplate substitutes every {{key}} reference in the template with the
// corresponding flattened field value. Unknown keys resolve to the empty
// string.
func ReplaceTemplate(template string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		return fields[key]
	})
}
