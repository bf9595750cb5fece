package pipeline

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoSQLFound is returned when a model response contains no recognizable SQL.
var ErrNoSQLFound = errors.New("no SQL query found in response")

// sqlPatterns are tried in order; the most specific shape comes first so that
// wrapper text around a labeled block is never captured.
var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?is)```sql\\s*\\n?SQLQuery:\\s*(.*?)\\n?```"),
	regexp.MustCompile("(?s)```sql\\n(.*?)\\n```"),
	regexp.MustCompile(`(?s)SQLQuery:\s*(.*)`),
}

// ExtractSQL returns the SQL statement embedded in a model response.
func ExtractSQL(response string) (string, bool) {
	for _, re := range sqlPatterns {
		m := re.FindStringSubmatch(response)
		if m == nil {
			continue
		}
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql, true
		}
	}
	return "", false
}
