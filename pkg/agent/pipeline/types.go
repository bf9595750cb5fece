package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the configuration for the pipeline.
type Config struct {
	Logger        *slog.Logger
	LLM           LLMClient
	Querier       Querier
	SchemaFetcher SchemaFetcher
	Strategy      *Strategy
	Clock         clockwork.Clock

	LLMTimeout   time.Duration // Per model call (default 60s)
	QueryTimeout time.Duration // Per database call (default 30s)
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Querier executes SQL statements.
//
// The returned value is one of: []Row, []map[string]any, a Cursor, nil, or a
// single scalar/string value. NormalizeResult turns any of these into a QueryResult.
type Querier interface {
	Query(ctx context.Context, sql string) (any, error)
}

// Cursor is a forward-only row iterator. *sql.Rows satisfies it.
type Cursor interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// SchemaFetcher retrieves database schema information.
type SchemaFetcher interface {
	// FetchSchema returns a formatted string describing the database schema.
	FetchSchema(ctx context.Context) (string, error)
}

// Row is one result row keyed by column name.
type Row map[string]any

// QueryResult holds the normalized result of a SQL query.
type QueryResult struct {
	Columns []string
	Rows    []Row
}

// Count returns the number of rows.
func (r *QueryResult) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Stage is one named step of the pipeline state machine.
type Stage string

const (
	StageCheckTopic     Stage = "check_topic"
	StageGenerateSQL    Stage = "generate_sql"
	StageExecuteSQL     Stage = "execute_sql"
	StageFormatResponse Stage = "format_response"
	StageTerminate      Stage = "terminate"
)

// Outcome is the category of the final user-visible message.
type Outcome string

const (
	OutcomeAnswered         Outcome = "answered"
	OutcomeOffTopic         Outcome = "off_topic"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomeUnsafeQuery      Outcome = "unsafe_query"
	OutcomeExecutionFailed  Outcome = "execution_failed"
	OutcomeNoData           Outcome = "no_data"
	OutcomeModelFailed      Outcome = "model_failed"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeInternalError    Outcome = "internal_error"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation log.
type Message struct {
	Role    Role
	Content string
}

// RequestState is the per-run record threaded through every stage.
// It is owned by exactly one Run call and never shared.
type RequestState struct {
	Question  string
	Messages  []Message
	SQL       string       // Candidate SQL, set by generate_sql
	RawOutput string       // Model output SQL was extracted from
	Result    *QueryResult // Set by execute_sql
	Next      Stage
	Outcome   Outcome
	Visited   []Stage
	Executed  bool // SQL was submitted to the database
}

func newRequestState(question string) *RequestState {
	return &RequestState{
		Question: question,
		Messages: []Message{{Role: RoleUser, Content: question}},
		Next:     StageCheckTopic,
	}
}

// terminate appends the final assistant message and ends the run.
func (s *RequestState) terminate(outcome Outcome, message string) {
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: message})
	s.Outcome = outcome
	s.Next = StageTerminate
}

// lastMessage returns the content of the most recent message.
func (s *RequestState) lastMessage() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content
}

// Response is the result of one pipeline run.
type Response struct {
	Result   string        // Answer, refusal or error text
	RawSQL   string        // Statement submitted to the database, empty if none
	Outcome  Outcome
	Stages   []Stage       // Stages visited, in order
	Rows     *QueryResult  // Normalized rows, when the query ran
	Duration time.Duration
}
