// Package pipeline answers natural-language questions about the sales database.
// A run moves through a fixed set of stages: check the topic, generate SQL,
// validate and execute it, and format the rows as an answer. Any stage can end
// the run early with a user-facing message.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sqlagent/pkg/metrics"
)

const (
	defaultLLMTimeout   = 60 * time.Second
	defaultQueryTimeout = 30 * time.Second
)

// Pipeline runs questions through the stage machine. It holds only read-only
// capabilities and is safe for concurrent use; all per-run data lives in a
// RequestState.
type Pipeline struct {
	cfg      *Config
	log      *slog.Logger
	strategy *Strategy
	clock    clockwork.Clock
}

// New creates a new Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if cfg.SchemaFetcher == nil {
		return nil, fmt.Errorf("schema fetcher is required")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("strategy is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	return &Pipeline{
		cfg:      cfg,
		log:      cfg.Logger.With("strategy", cfg.Strategy.Name),
		strategy: cfg.Strategy,
		clock:    cfg.Clock,
	}, nil
}

// StrategyName returns the name of the strategy the pipeline runs with.
func (p *Pipeline) StrategyName() string {
	return p.strategy.Name
}

// Run answers a single question. It never returns an error: every failure is
// converted into one of the fixed user-facing messages and reported through
// Response.Outcome.
func (p *Pipeline) Run(ctx context.Context, question string) (resp *Response) {
	start := p.clock.Now()
	state := newRequestState(question)

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline: panic during run", "stage", state.Next, "panic", r)
			state.terminate(OutcomeInternalError, p.strategy.Message(MsgError))
		}
		resp = p.response(state, p.clock.Since(start))
		metrics.PipelineRunsTotal.WithLabelValues(p.strategy.Name, string(resp.Outcome)).Inc()
		p.log.Info("pipeline: complete",
			"outcome", resp.Outcome,
			"stages", resp.Stages,
			"duration", resp.Duration)
	}()

	for state.Next != StageTerminate {
		stage := state.Next
		if err := ctx.Err(); err != nil {
			p.log.Info("pipeline: request abandoned", "stage", stage, "error", err)
			state.terminate(OutcomeCancelled, p.strategy.Message(MsgError))
			break
		}
		if slices.Contains(state.Visited, stage) {
			p.log.Error("pipeline: stage revisited", "stage", stage)
			state.terminate(OutcomeInternalError, p.strategy.Message(MsgError))
			break
		}
		state.Visited = append(state.Visited, stage)

		stageStart := p.clock.Now()
		p.step(ctx, state)
		metrics.PipelineStageDuration.WithLabelValues(p.strategy.Name, string(stage)).Observe(p.clock.Since(stageStart).Seconds())
		p.log.Debug("pipeline: stage complete", "stage", stage, "next", state.Next)
	}

	return nil
}

// step runs the current stage, which sets state.Next.
func (p *Pipeline) step(ctx context.Context, state *RequestState) {
	switch state.Next {
	case StageCheckTopic:
		p.checkTopic(ctx, state)
	case StageGenerateSQL:
		p.generateSQL(ctx, state)
	case StageExecuteSQL:
		p.executeSQL(ctx, state)
	case StageFormatResponse:
		p.formatResponse(ctx, state)
	case StageTerminate:
	default:
		p.log.Error("pipeline: unknown stage", "stage", state.Next)
		state.terminate(OutcomeInternalError, p.strategy.Message(MsgError))
	}
}

func (p *Pipeline) checkTopic(ctx context.Context, state *RequestState) {
	onTopic, err := p.CheckTopic(ctx, state.Question)
	if err != nil {
		if p.abandoned(ctx, state, err) {
			return
		}
		p.log.Error("pipeline: topic check failed", "error", err)
		state.terminate(OutcomeModelFailed, p.strategy.Message(MsgError))
		return
	}
	if !onTopic {
		state.terminate(OutcomeOffTopic, p.strategy.Message(MsgTopicFilter))
		return
	}
	state.Next = StageGenerateSQL
}

func (p *Pipeline) generateSQL(ctx context.Context, state *RequestState) {
	sql, raw, err := p.GenerateSQL(ctx, state.Question)
	state.RawOutput = raw
	if errors.Is(err, ErrNoSQLFound) {
		p.log.Error("pipeline: no SQL query found in the response", "response", raw)
		state.terminate(OutcomeGenerationFailed, p.strategy.Message(MsgGenerationFailed))
		return
	}
	if err != nil {
		if p.abandoned(ctx, state, err) {
			return
		}
		p.log.Error("pipeline: SQL generation failed", "error", err)
		state.terminate(OutcomeModelFailed, p.strategy.Message(MsgError))
		return
	}
	state.SQL = sql
	state.Next = StageExecuteSQL
}

func (p *Pipeline) executeSQL(ctx context.Context, state *RequestState) {
	verdict := ValidateSQL(state.SQL)
	if !verdict.Safe {
		p.log.Warn("pipeline: rejected unsafe query",
			"sql", state.SQL,
			"reason", verdict.Reason,
			"keyword", verdict.Keyword)
		state.terminate(OutcomeUnsafeQuery, p.strategy.Message(MsgUnsafeQuery))
		return
	}

	state.Executed = true
	result, err := p.Execute(ctx, state.SQL)
	if err != nil {
		if p.abandoned(ctx, state, err) {
			return
		}
		p.log.Error("pipeline: query execution failed", "sql", state.SQL, "error", err)
		state.terminate(OutcomeExecutionFailed, p.strategy.Message(MsgExecutionError))
		return
	}
	p.log.Info("pipeline: query executed", "rows", result.Count())
	state.Result = result
	state.Next = StageFormatResponse
}

func (p *Pipeline) formatResponse(ctx context.Context, state *RequestState) {
	if state.Result.Count() == 0 {
		state.terminate(OutcomeNoData, p.strategy.Message(MsgNoData))
		return
	}

	answer, err := p.FormatAnswer(ctx, state.Question, state.Result)
	if err != nil {
		if p.abandoned(ctx, state, err) {
			return
		}
		p.log.Error("pipeline: response formatting failed", "error", err)
		state.terminate(OutcomeModelFailed, p.strategy.Message(MsgError))
		return
	}
	state.terminate(OutcomeAnswered, answer)
}

// abandoned ends the run as cancelled when a capability call failed because
// the caller went away.
func (p *Pipeline) abandoned(ctx context.Context, state *RequestState, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	p.log.Info("pipeline: request abandoned", "stage", state.Next, "error", err)
	state.terminate(OutcomeCancelled, p.strategy.Message(MsgError))
	return true
}

// complete calls the model for one stage under the configured timeout.
func (p *Pipeline) complete(ctx context.Context, stage Stage, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	response, err := p.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues(string(stage), "error").Inc()
		return "", fmt.Errorf("LLM completion failed: %w", err)
	}
	metrics.LLMCallsTotal.WithLabelValues(string(stage), "ok").Inc()
	return response, nil
}

func (p *Pipeline) response(state *RequestState, duration time.Duration) *Response {
	resp := &Response{
		Result:   state.lastMessage(),
		Outcome:  state.Outcome,
		Stages:   state.Visited,
		Rows:     state.Result,
		Duration: duration,
	}
	if state.Executed {
		resp.RawSQL = state.SQL
	}
	return resp
}
