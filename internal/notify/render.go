// Package notify renders the user-facing chat messages.
package notify

import (
	"regexp"
	"strconv"
)

// Placeholder names understood by the message templates.
const (
	AtUser     = "at_user"
	MemberName = "member_name"
	Question   = "question"
	Timeout    = "timeout"
	Countdown  = "countdown"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders from values. Anything else in the
// template, including placeholders without a value and malformed braces,
// is copied through unchanged.
func Render(template string, values map[string]string) string {
	if len(values) == 0 {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Values is the placeholder set for one member's messages.
type Values struct {
	Mention        string
	MemberName     string
	Question       string
	TimeoutMinutes int
	CountdownSecs  int
}

// Map converts v into the Render input. Question is only present when set.
func (v Values) Map() map[string]string {
	m := map[string]string{
		AtUser:     v.Mention,
		MemberName: v.MemberName,
		Timeout:    strconv.Itoa(v.TimeoutMinutes),
		Countdown:  strconv.Itoa(v.CountdownSecs),
	}
	if v.Question != "" {
		m[Question] = v.Question
	}
	return m
}
