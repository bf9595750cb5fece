package pipeline

import (
	"regexp"
	"strings"
)

// ReasonReadOnly is the verdict reason for statements that are not a SELECT.
const ReasonReadOnly = "only read operations are permitted"

// unsafeKeywords are rejected anywhere in a statement as whole words.
var unsafeKeywords = []string{"DELETE", "DROP", "TRUNCATE", "UPDATE", "INSERT", "ALTER", "CREATE", "REPLACE"}

var unsafeKeywordRe = regexp.MustCompile(`(?i)\b(` + strings.Join(unsafeKeywords, "|") + `)\b`)

// SafetyVerdict is the classification of a candidate statement.
type SafetyVerdict struct {
	Safe    bool
	Reason  string
	Keyword string // Matched forbidden keyword, upper-cased
}

// ValidateSQL decides whether a generated statement may run.
//
// This is a keyword heuristic for model output, not a SQL parser. It rejects
// keywords inside string literals and comments, and it is not a defense
// against adversarial input. The database-side read-only transaction in
// pkg/querier is the actual write barrier.
func ValidateSQL(sql string) SafetyVerdict {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(sql)), "select") {
		return SafetyVerdict{Reason: ReasonReadOnly}
	}
	if m := unsafeKeywordRe.FindString(sql); m != "" {
		kw := strings.ToUpper(m)
		return SafetyVerdict{Reason: "statement contains forbidden keyword " + kw, Keyword: kw}
	}
	return SafetyVerdict{Safe: true}
}
