package pipeline

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/sqlagent/pkg/agent/prompts"
)

// Built-in strategy names.
const (
	StrategyGraph = "graph"
	StrategyChain = "chain"
)

// Message keys looked up in messages.yaml.
const (
	MsgTopicFilter      = "TOPIC_FILTER_MESSAGE"
	MsgError            = "ERROR_MESSAGE"
	MsgGenerationFailed = "GENERATION_FAILED_MESSAGE"
	MsgUnsafeQuery      = "UNSAFE_QUERY_MESSAGE"
	MsgExecutionError   = "EXECUTION_ERROR_MESSAGE"
	MsgNoData           = "NO_DATA_MESSAGE"
)

var requiredMessages = []string{
	MsgTopicFilter, MsgError, MsgGenerationFailed, MsgUnsafeQuery, MsgExecutionError, MsgNoData,
}

// schemaPlaceholder is replaced with the live schema description in the generate prompt.
const schemaPlaceholder = "{{DB_SCHEMA}}"

// Strategy is the prompt and message set a pipeline runs with.
type Strategy struct {
	Name           string
	TopicPrompt    string            // System prompt for the topic classifier
	GeneratePrompt string            // System prompt for SQL generation; contains {{DB_SCHEMA}}
	FormatPrompt   string            // System prompt for the response formatter
	Messages       map[string]string // User-facing messages keyed by name
}

// Message returns the user-facing message for key.
func (s *Strategy) Message(key string) string {
	return s.Messages[key]
}

// DefaultFS returns the embedded prompt files.
func DefaultFS() fs.FS {
	return prompts.FS
}

// LoadStrategy loads the named strategy's prompts and messages from fsys.
func LoadStrategy(fsys fs.FS, name string) (*Strategy, error) {
	s := &Strategy{Name: name}

	var err error
	if s.TopicPrompt, err = loadPrompt(fsys, name, "TOPIC_FILTER.md"); err != nil {
		return nil, err
	}
	if s.GeneratePrompt, err = loadPrompt(fsys, name, "GENERATE.md"); err != nil {
		return nil, err
	}
	if !strings.Contains(s.GeneratePrompt, schemaPlaceholder) {
		return nil, fmt.Errorf("%s/GENERATE.md is missing the %s placeholder", name, schemaPlaceholder)
	}
	if s.FormatPrompt, err = loadPrompt(fsys, name, "FORMAT.md"); err != nil {
		return nil, err
	}

	messages, err := loadMessages(fsys)
	if err != nil {
		return nil, err
	}
	s.Messages = messages[name]
	for _, key := range requiredMessages {
		if strings.TrimSpace(s.Messages[key]) == "" {
			return nil, fmt.Errorf("strategy %q: message %s is not configured", name, key)
		}
	}

	return s, nil
}

// LoadStrategies loads every built-in strategy from fsys.
func LoadStrategies(fsys fs.FS) (map[string]*Strategy, error) {
	strategies := make(map[string]*Strategy, 2)
	for _, name := range []string{StrategyGraph, StrategyChain} {
		s, err := LoadStrategy(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s strategy: %w", name, err)
		}
		strategies[name] = s
	}
	return strategies, nil
}

func loadPrompt(fsys fs.FS, strategy, file string) (string, error) {
	data, err := fs.ReadFile(fsys, path.Join(strategy, file))
	if err != nil {
		return "", fmt.Errorf("failed to read %s/%s: %w", strategy, file, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func loadMessages(fsys fs.FS) (map[string]map[string]string, error) {
	data, err := fs.ReadFile(fsys, "messages.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read messages.yaml: %w", err)
	}
	var messages map[string]map[string]string
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse messages.yaml: %w", err)
	}
	return messages, nil
}
