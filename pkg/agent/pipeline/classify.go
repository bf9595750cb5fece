package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// CheckTopic asks the model whether the question is about the sales data.
// Only an exact "yes" (after trimming and case folding) counts as in-domain.
func (p *Pipeline) CheckTopic(ctx context.Context, question string) (bool, error) {
	response, err := p.complete(ctx, StageCheckTopic, p.strategy.TopicPrompt, fmt.Sprintf("Question: %s", question))
	if err != nil {
		return false, err
	}

	verdict := strings.ToLower(strings.TrimSpace(response))
	p.log.Debug("pipeline: topic filter response", "strategy", p.strategy.Name, "response", verdict)
	return verdict == "yes", nil
}
