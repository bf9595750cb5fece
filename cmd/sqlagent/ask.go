package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/sqlagent/pkg/agent/pipeline"
)

type askOptions struct {
	strategy string
	showRows bool
	showSQL  bool
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	askOpts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a single question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			a, err := newApp(cmd.Context(), opts.log, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			p, ok := a.pipelines[askOpts.strategy]
			if !ok {
				return fmt.Errorf("unknown strategy %q (available: %s)", askOpts.strategy, strings.Join(strategyNames(a.pipelines), ", "))
			}

			resp := p.Run(cmd.Context(), question)
			opts.log.Debug("ask: done", "outcome", resp.Outcome, "stages", resp.Stages, "duration", resp.Duration)
			return printAnswer(cmd.OutOrStdout(), resp, askOpts)
		},
	}

	cmd.Flags().StringVar(&askOpts.strategy, "strategy", "graph", "pipeline strategy to use (graph or chain)")
	cmd.Flags().BoolVar(&askOpts.showRows, "rows", false, "print the query result rows as a table")
	cmd.Flags().BoolVar(&askOpts.showSQL, "sql", true, "print the SQL statement that was executed")
	return cmd
}

func printAnswer(w io.Writer, resp *pipeline.Response, opts *askOptions) error {
	if _, err := fmt.Fprintln(w, resp.Result); err != nil {
		return err
	}
	if opts.showSQL && resp.RawSQL != "" {
		if _, err := fmt.Fprintf(w, "\nSQL: %s\n", resp.RawSQL); err != nil {
			return err
		}
	}
	if opts.showRows && resp.Rows != nil && len(resp.Rows.Columns) > 0 {
		fmt.Fprintln(w)
		renderRows(w, resp.Rows)
	}
	return nil
}

func renderRows(w io.Writer, result *pipeline.QueryResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(result.Columns)
	table.SetAutoWrapText(false)
	for _, row := range result.Rows {
		values := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			values[i] = formatCell(row[col])
		}
		table.Append(values)
	}
	table.Render()
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func strategyNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
