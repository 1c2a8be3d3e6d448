package challenge

import (
	"regexp"
	"strconv"
)

var (
	// cqCodePattern matches OneBot CQ segments such as [CQ:at,qq=123] or
	// [CQ:image,file=abc1.png]; their digits are never part of an answer.
	cqCodePattern = regexp.MustCompile(`\[CQ:[^\]]*\]`)
	digitRun      = regexp.MustCompile(`\d+`)
)

// StripMarkup removes mention and other CQ markup from a raw reply.
func StripMarkup(text string) string {
	return cqCodePattern.ReplaceAllString(text, "")
}

// ExtractLastInteger returns the value of the last unsigned digit run in
// text once markup is stripped. A run too large for an int counts as no
// candidate at all.
func ExtractLastInteger(text string) (int, bool) {
	runs := digitRun.FindAllString(StripMarkup(text), -1)
	if len(runs) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(runs[len(runs)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Matches reports whether candidate is the expected answer.
func Matches(candidate, expected int) bool {
	return candidate == expected
}
