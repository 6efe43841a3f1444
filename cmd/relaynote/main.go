package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/client"
	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/httpapi"
)

const defaultServerURL = "http://127.0.0.1:8080"

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // text | json
	LogFormat  string // text | json
	ServerURL  string
	Token      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "relaynote: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "relaynote",
		Short:         "Keep notebook files, their metadata catalog and git history consistent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range []string{opts.Format, opts.LogFormat} {
				if f != "" && f != "text" && f != "json" {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be text or json", f))
				}
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("RELAYNOTE_CONFIG"), "path to the YAML config file")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	flags.StringVar(&opts.LogFormat, "log-format", "", "log format (text|json), overrides the config file")
	flags.StringVar(&opts.ServerURL, "server", envOr("RELAYNOTE_SERVER", defaultServerURL), "relaynote server URL")
	flags.StringVar(&opts.Token, "token", os.Getenv("RELAYNOTE_TOKEN"), "bearer token; minted from the configured secret when empty")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newScanCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newNotebookCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// loadConfig applies the logging flags on top of the config file.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	return cfg, nil
}

// client builds an API client. Without --token it signs a short-lived
// operator token with the configured JWT secret.
func (o *RootOptions) client() (*client.HTTPClient, error) {
	token := strings.TrimSpace(o.Token)
	if token == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.HTTP.JWTSecret == "" {
			return nil, NewExitError(ExitCommandError, "no --token given and no jwt_secret configured")
		}
		token, err = httpapi.IssueToken(cfg.HTTP.JWTSecret, httpapi.AnyNotebook, "relaynote-cli", httpapi.AllScopes, time.Now().Add(time.Hour))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "mint token", err)
		}
	}
	return client.NewHTTPClient(o.ServerURL, token, nil), nil
}
