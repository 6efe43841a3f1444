package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/client"
	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/httpapi"
	"github.com/agentworkforce/relaynote/internal/relaynote"
)

type enqueueOptions struct {
	payload       string
	payloadFile   string
	correlationID string
	sequence      int
	wait          bool
	waitInterval  time.Duration
	waitTimeout   time.Duration
}

func newEnqueueCommand(opts *RootOptions) *cobra.Command {
	eo := &enqueueOptions{}
	cmd := &cobra.Command{
		Use:   "enqueue <notebook> <create|update|move|delete|sync>",
		Short: "Submit a change record",
		Long: `Submit one change record to a running notebook.

Example:
  relaynote enqueue work create --payload '{"path":"notes/a.md","content":"# A"}'
  relaynote enqueue work move --payload '{"source":"a","destination":"b"}' --wait
  relaynote enqueue work sync --file event.json --correlation-id op-1 --sequence 2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := relaynote.Kind(strings.ToLower(args[1]))
			if !kind.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown change kind %q", args[1]))
			}
			body, err := eo.readPayload(cmd.InOrStdin())
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			accepted, err := c.Enqueue(cmd.Context(), args[0], client.Change{
				Kind:          kind,
				Payload:       body,
				CorrelationID: eo.correlationID,
				Sequence:      eo.sequence,
			})
			if err != nil {
				return apiExitError("enqueue", err)
			}
			if !eo.wait {
				if opts.Format == "json" {
					return writeJSONOutput(cmd.OutOrStdout(), accepted)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "record %d %s\n", accepted.ID, accepted.Status)
				return err
			}
			ctx := cmd.Context()
			if eo.waitTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, eo.waitTimeout)
				defer cancel()
			}
			rec, err := c.WaitRecord(ctx, args[0], accepted.ID, eo.waitInterval)
			if err != nil {
				return apiExitError("wait for record", err)
			}
			if err := printRecord(cmd.OutOrStdout(), opts.Format, rec); err != nil {
				return err
			}
			if rec.Status == relaynote.StatusFailed {
				return NewExitError(ExitFailure, fmt.Sprintf("record %d failed", rec.ID))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&eo.payload, "payload", "p", "", "payload JSON")
	f.StringVarP(&eo.payloadFile, "file", "f", "", "read the payload JSON from a file (- for stdin)")
	f.StringVar(&eo.correlationID, "correlation-id", "", "correlation group of a multi-step operation")
	f.IntVar(&eo.sequence, "sequence", 0, "position within the correlation group")
	f.BoolVarP(&eo.wait, "wait", "w", false, "wait until the record is terminal")
	f.DurationVar(&eo.waitInterval, "wait-interval", 250*time.Millisecond, "status poll interval with --wait")
	f.DurationVar(&eo.waitTimeout, "wait-timeout", time.Minute, "give up waiting after this long (0 waits forever)")
	return cmd
}

func (eo *enqueueOptions) readPayload(stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case eo.payload != "" && eo.payloadFile != "":
		return nil, NewExitError(ExitCommandError, "use either --payload or --file")
	case eo.payload != "":
		data = []byte(eo.payload)
	case eo.payloadFile == "-":
		data, err = io.ReadAll(stdin)
	case eo.payloadFile != "":
		data, err = os.ReadFile(eo.payloadFile)
	default:
		return nil, NewExitError(ExitCommandError, "a payload is required (--payload or --file)")
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read payload", err)
	}
	if !json.Valid(data) {
		return nil, NewExitError(ExitCommandError, "payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <notebook> <record-id>",
		Short: "Show the status of a change record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid record id %q", args[1]))
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := c.Record(cmd.Context(), args[0], id)
			if err != nil {
				return apiExitError("get record", err)
			}
			return printRecord(cmd.OutOrStdout(), opts.Format, rec)
		},
	}
}

func newScanCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <notebook>",
		Short: "Reconcile a notebook's catalog against its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Scan(cmd.Context(), args[0])
			if err != nil {
				return apiExitError("scan", err)
			}
			if opts.Format == "json" {
				return writeJSONOutput(cmd.OutOrStdout(), res)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records enqueued\n", res.NotebookID, res.Enqueued)
			return err
		},
	}
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show worker and commit batcher statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return apiExitError("stats", err)
			}
			if opts.Format == "json" {
				return writeJSONOutput(cmd.OutOrStdout(), stats)
			}
			return writeStatsText(cmd.OutOrStdout(), stats)
		},
	}
}

func newNotebookCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notebook",
		Short: "Start or stop notebooks on a running server",
	}
	lifecycle := func(use, short string, call func(c *client.HTTPClient, cmd *cobra.Command, id string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <notebook>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				if err := call(c, cmd, args[0]); err != nil {
					return apiExitError(use, err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], use)
				return err
			},
		}
	}
	cmd.AddCommand(lifecycle("start", "Start a configured notebook", func(c *client.HTTPClient, cmd *cobra.Command, id string) error {
		return c.StartNotebook(cmd.Context(), id)
	}))
	cmd.AddCommand(lifecycle("stop", "Stop a running notebook after its current batch", func(c *client.HTTPClient, cmd *cobra.Command, id string) error {
		return c.StopNotebook(cmd.Context(), id)
	}))
	return cmd
}

func newTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		notebookID string
		agent      string
		scopes     []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if cfg.HTTP.JWTSecret == "" {
				return NewExitError(ExitCommandError, "no jwt_secret configured")
			}
			if ttl <= 0 {
				return NewExitError(ExitCommandError, "--ttl must be positive")
			}
			token, err := httpapi.IssueToken(cfg.HTTP.JWTSecret, notebookID, agent, scopes, time.Now().Add(ttl))
			if err != nil {
				return WrapExitError(ExitFailure, "sign token", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&notebookID, "notebook", httpapi.AnyNotebook, "notebook the token is bound to (* for all)")
	f.StringVar(&agent, "agent", "relaynote-cli", "agent name recorded in the token")
	f.StringSliceVar(&scopes, "scope", httpapi.AllScopes, "granted scopes")
	f.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printRecord(w io.Writer, format string, rec relaynote.Record) error {
	if format == "json" {
		return writeJSONOutput(w, rec)
	}
	return writeRecordText(w, rec)
}

// apiExitError maps client errors to exit codes: rejected requests are
// command errors, everything else is a failure.
func apiExitError(action string, err error) error {
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return WrapExitError(ExitCommandError, action, err)
	}
	return WrapExitError(ExitFailure, action, err)
}
