package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxPromptRows = 50
	maxValueLen   = 100
)

// FormatAnswer turns rows into a natural-language answer to question.
// Callers route empty results to the no-data message before calling it.
func (p *Pipeline) FormatAnswer(ctx context.Context, question string, result *QueryResult) (string, error) {
	userPrompt := fmt.Sprintf(`Original question: %s

Query results:
%s
Please provide a natural language answer to the original question based on these results.`, question, FormatQueryResult(result))

	response, err := p.complete(ctx, StageFormatResponse, p.strategy.FormatPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}

// formatValueForLLM formats a single value for display to the LLM.
// Floats are rounded to 2 decimal places to avoid long decimals (like 3.3333333333333335)
// that can confuse the LLM into thinking they're encoded values.
func formatValueForLLM(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		if val == float32(int32(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case nil:
		return "NULL"
	default:
		return truncateValue(fmt.Sprintf("%v", v))
	}
}

// truncateValue caps s at maxValueLen bytes without splitting a rune.
func truncateValue(s string) string {
	if len(s) <= maxValueLen {
		return s
	}
	cut := maxValueLen - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// FormatQueryResult formats a query result for the formatter prompt.
func FormatQueryResult(result *QueryResult) string {
	if result.Count() == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Columns: %s\n", strings.Join(result.Columns, ", ")))
	sb.WriteString(fmt.Sprintf("Rows (%d total):\n", result.Count()))

	displayRows := min(result.Count(), maxPromptRows)
	for i := range displayRows {
		values := make([]string, len(result.Columns))
		for j, col := range result.Columns {
			values[j] = formatValueForLLM(result.Rows[i][col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}

	if result.Count() > maxPromptRows {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", result.Count()-maxPromptRows))
	}

	return sb.String()
}
