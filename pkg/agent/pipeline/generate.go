package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// GenerateSQL asks the model for a statement answering question and extracts it.
// It returns the extracted SQL and the raw model output. When the output has no
// recognizable SQL the error wraps ErrNoSQLFound.
func (p *Pipeline) GenerateSQL(ctx context.Context, question string) (sql, raw string, err error) {
	schema, err := p.cfg.SchemaFetcher.FetchSchema(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch schema: %w", err)
	}

	systemPrompt := buildGeneratePrompt(p.strategy.GeneratePrompt, schema)

	raw, err = p.complete(ctx, StageGenerateSQL, systemPrompt, fmt.Sprintf("Question: %s", question))
	if err != nil {
		return "", "", err
	}

	sql, ok := ExtractSQL(raw)
	if !ok {
		return "", raw, ErrNoSQLFound
	}
	return sql, raw, nil
}

// buildGeneratePrompt substitutes the schema description into the static prompt.
func buildGeneratePrompt(staticPrompt, schema string) string {
	return strings.Replace(staticPrompt, schemaPlaceholder, strings.TrimSpace(schema), 1)
}
