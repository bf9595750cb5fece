package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLLMClient replays canned responses in order.
type mockLLMClient struct {
	mu        sync.Mutex
	responses []mockResponse
	callIndex int
	calls     []mockCall
	onCall    func(ctx context.Context)
}

type mockResponse struct {
	text string
	err  error
}

type mockCall struct {
	system      string
	user        string
	hasDeadline bool
}

func (m *mockLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, hasDeadline := ctx.Deadline()
	m.calls = append(m.calls, mockCall{system: systemPrompt, user: userPrompt, hasDeadline: hasDeadline})
	if m.onCall != nil {
		m.onCall(ctx)
	}
	if m.callIndex >= len(m.responses) {
		return "", errors.New("unexpected LLM call")
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp.text, resp.err
}

func (m *mockLLMClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockQuerier struct {
	mu     sync.Mutex
	result any
	err    error
	calls  []string
}

func (m *mockQuerier) Query(ctx context.Context, sql string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sql)
	return m.result, m.err
}

type mockSchemaFetcher struct {
	schema string
	err    error
}

func (m *mockSchemaFetcher) FetchSchema(ctx context.Context) (string, error) {
	return m.schema, m.err
}

const testSchema = "users:\n  - id (integer)\n  - email (character varying)\n"

func loadTestStrategy(t *testing.T, name string) *Strategy {
	t.Helper()
	s, err := LoadStrategy(DefaultFS(), name)
	require.NoError(t, err)
	return s
}

func newTestPipeline(t *testing.T, llm LLMClient, querier Querier, strategy string) *Pipeline {
	t.Helper()
	p, err := New(&Config{
		LLM:           llm,
		Querier:       querier,
		SchemaFetcher: &mockSchemaFetcher{schema: testSchema},
		Strategy:      loadTestStrategy(t, strategy),
	})
	require.NoError(t, err)
	return p
}

func TestSQLAgent_Pipeline_New(t *testing.T) {
	t.Parallel()

	strategy := loadTestStrategy(t, StrategyGraph)
	full := Config{
		LLM:           &mockLLMClient{},
		Querier:       &mockQuerier{},
		SchemaFetcher: &mockSchemaFetcher{},
		Strategy:      strategy,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no llm", func(c *Config) { c.LLM = nil }, "LLM client is required"},
		{"no querier", func(c *Config) { c.Querier = nil }, "querier is required"},
		{"no schema fetcher", func(c *Config) { c.SchemaFetcher = nil }, "schema fetcher is required"},
		{"no strategy", func(c *Config) { c.Strategy = nil }, "strategy is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := full
			tt.mutate(&cfg)
			p, err := New(&cfg)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, StrategyGraph, p.StrategyName())
			require.Equal(t, defaultLLMTimeout, cfg.LLMTimeout)
			require.Equal(t, defaultQueryTimeout, cfg.QueryTimeout)
		})
	}
}

func TestSQLAgent_Pipeline_Answered(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{
		{text: "YES"},
		{text: "```sql\nSQLQuery: SELECT COUNT(*) AS n FROM users\n```"},
		{text: "  There are 10000 users.  "},
	}}
	querier := &mockQuerier{result: []map[string]any{{"n": int64(10000)}}}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	resp := p.Run(context.Background(), "How many users are there?")

	require.Equal(t, OutcomeAnswered, resp.Outcome)
	require.Equal(t, "There are 10000 users.", resp.Result)
	require.Equal(t, "SELECT COUNT(*) AS n FROM users", resp.RawSQL)
	require.Equal(t, []Stage{StageCheckTopic, StageGenerateSQL, StageExecuteSQL, StageFormatResponse}, resp.Stages)
	require.Equal(t, []string{"SELECT COUNT(*) AS n FROM users"}, querier.calls)
	require.Equal(t, 1, resp.Rows.Count())

	require.Len(t, llm.calls, 3)
	assert.Equal(t, "Question: How many users are there?", llm.calls[0].user)
	assert.Contains(t, llm.calls[1].system, strings.TrimSpace(testSchema))
	assert.NotContains(t, llm.calls[1].system, schemaPlaceholder)
	assert.Contains(t, llm.calls[2].user, "Original question: How many users are there?")
	assert.Contains(t, llm.calls[2].user, "Columns: n")
	assert.Contains(t, llm.calls[2].user, "10000")
	for _, c := range llm.calls {
		assert.True(t, c.hasDeadline, "every model call runs under a timeout")
	}
}

func TestSQLAgent_Pipeline_ChainStrategyAnswered(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{
		{text: "yes"},
		{text: "SQLQuery: SELECT name FROM products ORDER BY id LIMIT 1"},
		{text: "The first product is Product 1."},
	}}
	querier := &mockQuerier{result: []Row{{"name": "Product 1"}}}
	p := newTestPipeline(t, llm, querier, StrategyChain)

	resp := p.Run(context.Background(), "What is the first product?")

	require.Equal(t, OutcomeAnswered, resp.Outcome)
	require.Equal(t, "The first product is Product 1.", resp.Result)
	require.Equal(t, "SELECT name FROM products ORDER BY id LIMIT 1", resp.RawSQL)
}

func TestSQLAgent_Pipeline_OffTopic(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{{text: "NO"}}}
	querier := &mockQuerier{}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	resp := p.Run(context.Background(), "What's the weather like today?")

	require.Equal(t, OutcomeOffTopic, resp.Outcome)
	require.Equal(t, p.strategy.Message(MsgTopicFilter), resp.Result)
	require.Empty(t, resp.RawSQL)
	require.Equal(t, []Stage{StageCheckTopic}, resp.Stages)
	require.Equal(t, 1, llm.callCount())
	require.Empty(t, querier.calls)
}

func TestSQLAgent_Pipeline_UnsafeQuery(t *testing.T) {
	t.Parallel()

	for _, sql := range []string{
		"DELETE FROM users",
		"SELECT * FROM users; DROP TABLE users",
		"WITH t AS (SELECT 1) SELECT * FROM t",
	} {
		t.Run(sql, func(t *testing.T) {
			t.Parallel()
			llm := &mockLLMClient{responses: []mockResponse{
				{text: "YES"},
				{text: "SQLQuery: " + sql},
			}}
			querier := &mockQuerier{}
			p := newTestPipeline(t, llm, querier, StrategyGraph)

			resp := p.Run(context.Background(), "Delete all users")

			require.Equal(t, OutcomeUnsafeQuery, resp.Outcome)
			require.Equal(t, p.strategy.Message(MsgUnsafeQuery), resp.Result)
			require.Empty(t, resp.RawSQL)
			require.Empty(t, querier.calls)
			require.Equal(t, 2, llm.callCount())
		})
	}
}

func TestSQLAgent_Pipeline_NoData(t *testing.T) {
	t.Parallel()

	for name, result := range map[string]any{
		"nil":        nil,
		"empty rows": []Row{},
		"empty maps": []map[string]any{},
		"empty cursor": &fakeCursor{
			columns: []string{"id"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			llm := &mockLLMClient{responses: []mockResponse{
				{text: "YES"},
				{text: "SQLQuery: SELECT * FROM orders WHERE date > '2030-01-01'"},
			}}
			querier := &mockQuerier{result: result}
			p := newTestPipeline(t, llm, querier, StrategyGraph)

			resp := p.Run(context.Background(), "Show orders from 2030")

			require.Equal(t, OutcomeNoData, resp.Outcome)
			require.Equal(t, p.strategy.Message(MsgNoData), resp.Result)
			require.Equal(t, "SELECT * FROM orders WHERE date > '2030-01-01'", resp.RawSQL)
			require.Equal(t, 2, llm.callCount(), "formatter is not called for empty results")
		})
	}
}

func TestSQLAgent_Pipeline_GenerationFailed(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{
		{text: "YES"},
		{text: "I am not sure how to answer that."},
	}}
	querier := &mockQuerier{}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	resp := p.Run(context.Background(), "How many users are there?")

	require.Equal(t, OutcomeGenerationFailed, resp.Outcome)
	require.Equal(t, p.strategy.Message(MsgGenerationFailed), resp.Result)
	require.Empty(t, resp.RawSQL)
	require.Empty(t, querier.calls)
}

func TestSQLAgent_Pipeline_ExecutionFailed(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{
		{text: "YES"},
		{text: "SQLQuery: SELECT missing_column FROM users"},
	}}
	querier := &mockQuerier{err: errors.New(`pq: column "missing_column" does not exist`)}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	resp := p.Run(context.Background(), "Show me the missing column")

	require.Equal(t, OutcomeExecutionFailed, resp.Outcome)
	require.Equal(t, p.strategy.Message(MsgExecutionError), resp.Result)
	require.NotContains(t, resp.Result, "missing_column")
	require.Equal(t, "SELECT missing_column FROM users", resp.RawSQL)
	require.Equal(t, 2, llm.callCount())
}

func TestSQLAgent_Pipeline_ModelFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		responses  []mockResponse
		schemaErr  error
		wantStages []Stage
		wantRawSQL string
	}{
		{
			name:       "topic check",
			responses:  []mockResponse{{err: errors.New("rate limited")}},
			wantStages: []Stage{StageCheckTopic},
		},
		{
			name:       "generation",
			responses:  []mockResponse{{text: "YES"}, {err: errors.New("timeout")}},
			wantStages: []Stage{StageCheckTopic, StageGenerateSQL},
		},
		{
			name:       "schema",
			responses:  []mockResponse{{text: "YES"}},
			schemaErr:  errors.New("connection refused"),
			wantStages: []Stage{StageCheckTopic, StageGenerateSQL},
		},
		{
			name: "formatting",
			responses: []mockResponse{
				{text: "YES"},
				{text: "SQLQuery: SELECT 1"},
				{err: errors.New("overloaded")},
			},
			wantStages: []Stage{StageCheckTopic, StageGenerateSQL, StageExecuteSQL, StageFormatResponse},
			wantRawSQL: "SELECT 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(&Config{
				LLM:           &mockLLMClient{responses: tt.responses},
				Querier:       &mockQuerier{result: int64(1)},
				SchemaFetcher: &mockSchemaFetcher{schema: testSchema, err: tt.schemaErr},
				Strategy:      loadTestStrategy(t, StrategyGraph),
			})
			require.NoError(t, err)

			resp := p.Run(context.Background(), "How many users are there?")

			require.Equal(t, OutcomeModelFailed, resp.Outcome)
			require.Equal(t, p.strategy.Message(MsgError), resp.Result)
			require.Equal(t, tt.wantStages, resp.Stages)
			require.Equal(t, tt.wantRawSQL, resp.RawSQL)
		})
	}
}

func TestSQLAgent_Pipeline_ScalarResult(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{responses: []mockResponse{
		{text: "YES"},
		{text: "SQLQuery: SELECT SUM(amount) FROM orders"},
		{text: "Total revenue is 12345.67."},
	}}
	querier := &mockQuerier{result: 12345.67}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	resp := p.Run(context.Background(), "What is the total revenue?")

	require.Equal(t, OutcomeAnswered, resp.Outcome)
	require.Equal(t, []Row{{ScalarColumn: 12345.67}}, resp.Rows.Rows)
	assert.Contains(t, llm.calls[2].user, "Columns: result")
	assert.Contains(t, llm.calls[2].user, "12345.67")
}

func TestSQLAgent_Pipeline_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{}
	querier := &mockQuerier{}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := p.Run(ctx, "How many users are there?")

	require.Equal(t, OutcomeCancelled, resp.Outcome)
	require.Equal(t, p.strategy.Message(MsgError), resp.Result)
	require.Empty(t, resp.Stages)
	require.Zero(t, llm.callCount())
	require.Empty(t, querier.calls)
}

func TestSQLAgent_Pipeline_CancelledBetweenStages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llm := &mockLLMClient{
		responses: []mockResponse{{text: "YES"}},
		onCall:    func(context.Context) { cancel() },
	}
	querier := &mockQuerier{}
	p := newTestPipeline(t, llm, querier, StrategyGraph)

	resp := p.Run(ctx, "How many users are there?")

	require.Equal(t, OutcomeCancelled, resp.Outcome)
	require.Equal(t, []Stage{StageCheckTopic}, resp.Stages)
	require.Equal(t, 1, llm.callCount())
	require.Empty(t, querier.calls)
}

func TestSQLAgent_Pipeline_CancelledDuringCapabilityCall(t *testing.T) {
	t.Parallel()

	const generated = "```sql\nSELECT COUNT(*) FROM users\n```"

	tests := []struct {
		name         string
		responses    []mockResponse
		cancelOnCall int // 1-based LLM call that cancels; 0 cancels inside the query
		wantStages   []Stage
		wantRawSQL   string
	}{
		{
			name:         "topic check",
			responses:    []mockResponse{{err: context.Canceled}},
			cancelOnCall: 1,
			wantStages:   []Stage{StageCheckTopic},
		},
		{
			name:         "generation",
			responses:    []mockResponse{{text: "yes"}, {err: context.Canceled}},
			cancelOnCall: 2,
			wantStages:   []Stage{StageCheckTopic, StageGenerateSQL},
		},
		{
			name:         "execution",
			responses:    []mockResponse{{text: "yes"}, {text: generated}},
			cancelOnCall: 0,
			wantStages:   []Stage{StageCheckTopic, StageGenerateSQL, StageExecuteSQL},
			wantRawSQL:   "SELECT COUNT(*) FROM users",
		},
		{
			name:         "formatting",
			responses:    []mockResponse{{text: "yes"}, {text: generated}, {err: context.Canceled}},
			cancelOnCall: 3,
			wantStages:   []Stage{StageCheckTopic, StageGenerateSQL, StageExecuteSQL, StageFormatResponse},
			wantRawSQL:   "SELECT COUNT(*) FROM users",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			calls := 0
			llm := &mockLLMClient{
				responses: tt.responses,
				onCall: func(context.Context) {
					calls++
					if calls == tt.cancelOnCall {
						cancel()
					}
				},
			}
			querier := querierFunc(func(ctx context.Context, sql string) (any, error) {
				if tt.cancelOnCall == 0 {
					cancel()
					return nil, ctx.Err()
				}
				return int64(10000), nil
			})
			p := newTestPipeline(t, llm, querier, StrategyGraph)

			resp := p.Run(ctx, "How many users are there?")

			require.Equal(t, OutcomeCancelled, resp.Outcome)
			require.Equal(t, tt.wantStages, resp.Stages)
			require.Equal(t, tt.wantRawSQL, resp.RawSQL)
			require.Equal(t, p.strategy.Message(MsgError), resp.Result)
		})
	}
}

func TestSQLAgent_Pipeline_DurationUsesClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	llm := &mockLLMClient{
		responses: []mockResponse{
			{text: "YES"},
			{text: "SQLQuery: SELECT 1"},
			{text: "One."},
		},
		onCall: func(context.Context) { clock.Advance(time.Second) },
	}
	p, err := New(&Config{
		LLM:           llm,
		Querier:       &mockQuerier{result: int64(1)},
		SchemaFetcher: &mockSchemaFetcher{schema: testSchema},
		Strategy:      loadTestStrategy(t, StrategyGraph),
		Clock:         clock,
	})
	require.NoError(t, err)

	resp := p.Run(context.Background(), "How many?")
	require.Equal(t, OutcomeAnswered, resp.Outcome)
	require.Equal(t, 3*time.Second, resp.Duration)
}

func TestSQLAgent_Pipeline_PanicBecomesInternalError(t *testing.T) {
	t.Parallel()

	llm := &mockLLMClient{
		responses: []mockResponse{{text: "YES"}},
		onCall:    func(context.Context) { panic("boom") },
	}
	p := newTestPipeline(t, llm, &mockQuerier{}, StrategyGraph)

	resp := p.Run(context.Background(), "How many users are there?")
	require.Equal(t, OutcomeInternalError, resp.Outcome)
	require.Equal(t, p.strategy.Message(MsgError), resp.Result)
}

// routingLLM answers by stage so concurrent runs need no shared ordering.
type routingLLM struct {
	strategy *Strategy
}

func (r *routingLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch systemPrompt {
	case r.strategy.TopicPrompt:
		return "YES", nil
	case r.strategy.FormatPrompt:
		return "formatted", nil
	default:
		q := strings.TrimPrefix(userPrompt, "Question: ")
		return fmt.Sprintf("SQLQuery: SELECT '%s' AS question", q), nil
	}
}

type echoQuerier struct{}

func (echoQuerier) Query(ctx context.Context, sql string) (any, error) {
	return []Row{{"sql": sql}}, nil
}

func TestSQLAgent_Pipeline_ConcurrentRunsAreIsolated(t *testing.T) {
	t.Parallel()

	strategy := loadTestStrategy(t, StrategyGraph)
	p, err := New(&Config{
		LLM:           &routingLLM{strategy: strategy},
		Querier:       echoQuerier{},
		SchemaFetcher: &mockSchemaFetcher{schema: testSchema},
		Strategy:      strategy,
	})
	require.NoError(t, err)

	const n = 32
	responses := make([]*Response, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = p.Run(context.Background(), fmt.Sprintf("question %d", i))
		}()
	}
	wg.Wait()

	for i, resp := range responses {
		require.Equal(t, OutcomeAnswered, resp.Outcome)
		require.Equal(t, fmt.Sprintf("SELECT 'question %d' AS question", i), resp.RawSQL)
	}
}

func TestSQLAgent_Pipeline_CheckTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		response string
		want     bool
	}{
		{"YES", true},
		{"yes", true},
		{"  Yes \n", true},
		{"NO", false},
		{"Yes.", false},
		{"yes, it is", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.response), func(t *testing.T) {
			t.Parallel()
			llm := &mockLLMClient{responses: []mockResponse{{text: tt.response}}}
			p := newTestPipeline(t, llm, &mockQuerier{}, StrategyGraph)

			got, err := p.CheckTopic(context.Background(), "How many users?")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
