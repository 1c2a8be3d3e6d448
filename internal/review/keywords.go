package review

import (
	"strings"
	"unicode"
)

// answerWords introduce an answer in a join request comment.
var answerWords = []string{"答案", "答", "结果", "答案是", "结果为"}

// MatchKeyword reports whether keyword matches a join request comment.
// Text keywords match as case-insensitive substrings. Numeric keywords only
// match when the number is written as an answer ("答案2", "x=2", "结果是2"),
// so the operands of an equation the applicant copied do not count.
func MatchKeyword(comment, keyword string) bool {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return false
	}
	comment = strings.ToLower(comment)
	if isNumeric(keyword) {
		return isAnswerFormat(comment, keyword)
	}
	return strings.Contains(comment, keyword)
}

func isNumeric(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isAnswerFormat(comment, number string) bool {
	for _, prefix := range []string{
		"答案", "答案是", "答案为", "x=", "y=", "z=", "=", "答：", "答 ",
		"结果", "结果是", "答案：", "答案 ", "结果为", "结果：",
	} {
		if strings.Contains(comment, prefix+number) {
			return true
		}
	}

	for _, word := range []string{"答案", "答", "结果", "x", "y", "z"} {
		for _, sep := range []string{"", "：", " ", "="} {
			if strings.Contains(comment, word+sep+number) {
				return true
			}
		}
	}

	numberPos := strings.Index(comment, number)
	if numberPos < 0 {
		return false
	}
	for _, word := range answerWords {
		if pos := strings.Index(comment, word); pos >= 0 && numberPos > pos {
			return true
		}
	}
	return false
}
