package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/agentworkforce/relaynote/internal/relaynote"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // bad flags, config or unreachable server
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode returns ExitFailure for errors that carry no code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecordText(w io.Writer, rec relaynote.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%d\n", rec.ID)
	fmt.Fprintf(tw, "notebook\t%s\n", rec.NotebookID)
	fmt.Fprintf(tw, "kind\t%s\n", rec.Kind)
	fmt.Fprintf(tw, "status\t%s\n", rec.Status)
	if rec.CorrelationID != "" {
		fmt.Fprintf(tw, "correlation\t%s/%d\n", rec.CorrelationID, rec.Sequence)
	}
	fmt.Fprintf(tw, "retries\t%d\n", rec.RetryCount)
	if rec.ErrorMessage != "" {
		fmt.Fprintf(tw, "error\t%s\n", rec.ErrorMessage)
	}
	return tw.Flush()
}

func writeStatsText(w io.Writer, stats relaynote.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NOTEBOOK\tRUNNING\tPROCESSED\tERRORS\tQUEUE")
	for _, nb := range stats.Notebooks {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\n", nb.NotebookID, nb.Running, nb.Processed, nb.Errors, formatQueue(nb.Queue))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	b := stats.Batcher
	_, err := fmt.Fprintf(w, "\ncommits %d, failures %d, pending %d paths in %d notebooks\n",
		b.Commits, b.Failures, b.PendingPaths, b.PendingNotebooks)
	if err == nil && b.LastError != "" {
		_, err = fmt.Fprintf(w, "last commit error: %s\n", b.LastError)
	}
	return err
}

func formatQueue(queue map[relaynote.Status]int) string {
	if len(queue) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(queue))
	for status, n := range queue {
		parts = append(parts, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
