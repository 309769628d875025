// Package cli implements the watchit command line using Cobra.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/majorcontext/watchit/internal/config"
	"github.com/majorcontext/watchit/internal/log"
	"github.com/majorcontext/watchit/internal/results"
	"github.com/majorcontext/watchit/internal/supervisor"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 64 // EX_USAGE
)

// usageError marks errors caused by how watchit was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

type rootOptions struct {
	cwd     bool
	match   string
	output  string
	preload string
	socket  string
	record  string
	verbose bool
	jsonOut bool
	runs    bool
	show    string

	cfg *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "watchit [flags] command [args...]",
		Short: "Report the files a program and its children open",
		Long: `watchit runs a command with libwatchit.so preloaded and prints every
path that the command, or any process it starts, opened successfully.

Each path is printed once. Flags must come before the command; anything
after it is passed to the command unchanged.`,
		Example: `  watchit make
  watchit -m '*.h' --cwd -o headers.txt make
  watchit --record runs.db --runs`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.runs || opts.show != "" {
				if len(args) > 0 {
					return usageError{errors.New("--runs and --show take no command")}
				}
				return nil
			}
			if len(args) == 0 {
				return usageError{errors.New("no command given")}
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg

			if err := log.Init(log.Options{
				Verbose:       opts.verbose,
				JSONFormat:    opts.jsonOut,
				DebugDir:      cfg.Debug.Dir,
				RetentionDays: cfg.Debug.RetentionDays,
				Stderr:        stderr,
			}); err != nil {
				fmt.Fprintf(stderr, "watchit: warning: debug logging disabled: %v\n", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.resolve(cmd)
			switch {
			case opts.show != "":
				return showRun(stdout, opts)
			case opts.runs:
				return listRuns(stdout, opts)
			}
			return trace(stdout, opts, args)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError{err}
	})
	cmd.SetVersionTemplate("watchit {{.Version}}\n")

	f := cmd.Flags()
	f.SetInterspersed(false)
	f.BoolVar(&opts.cwd, "cwd", false, "prefix relative paths with the current directory")
	f.StringVarP(&opts.match, "match", "m", "", "only report paths matching `glob` ('*' also matches '/')")
	f.StringVarP(&opts.output, "output", "o", "-", "write the report to `file` ('-' is stdout)")
	f.StringVar(&opts.preload, "preload", "", "interception module `path` (default libwatchit.so next to watchit, env: "+config.EnvPreload+")")
	f.StringVar(&opts.socket, "socket", "", "channel address `stem`; .<pid> is appended (default "+config.Default().SocketStem+", env: "+config.EnvSocketStem+")")
	f.StringVar(&opts.record, "record", "", "record the run in a history `database`")
	f.BoolVar(&opts.runs, "runs", false, "list runs recorded in the --record database and exit")
	f.StringVar(&opts.show, "show", "", "print the paths of a recorded `run-id` and exit")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose diagnostics on stderr")
	f.BoolVar(&opts.jsonOut, "json", false, "JSON diagnostics, and JSON output for --runs and --show")
	return cmd
}

// resolve fills unset flags from the loaded config. Flags win over the
// environment, which config.Load has already applied over the file.
func (o *rootOptions) resolve(cmd *cobra.Command) {
	if !cmd.Flags().Changed("preload") {
		o.preload = o.cfg.Preload
	}
	if !cmd.Flags().Changed("socket") {
		o.socket = o.cfg.SocketStem
	}
	if !cmd.Flags().Changed("record") {
		o.record = o.cfg.Record
	}
}

func trace(stdout io.Writer, opts *rootOptions, args []string) error {
	output := opts.output
	if output != "-" && output != "" {
		if abs, err := filepath.Abs(output); err == nil {
			output = abs
		}
	}

	var stdoutFile *os.File
	if f, ok := stdout.(*os.File); ok {
		stdoutFile = f
	}

	res, err := supervisor.Run(supervisor.Options{
		Argv:       args,
		Preload:    opts.preload,
		SocketStem: opts.socket,
		Output:     output,
		Glob:       opts.match,
		CwdPrefix:  opts.cwd,
		Record:     opts.record,
		Stdout:     stdoutFile,
	})
	if err != nil {
		if errors.Is(err, results.ErrBadPattern) {
			return usageError{err}
		}
		return err
	}
	log.Info("run complete",
		"run_id", res.RunID,
		"exit", res.Stats.Exit.String(),
		"paths", res.Paths,
		"written", res.Written,
		"duration", res.FinishedAt.Sub(res.StartedAt))
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(stderr, "watchit: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Run 'watchit --help' for usage.\n")
		return ExitUsage
	}
	return ExitFailure
}
