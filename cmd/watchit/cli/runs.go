package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/majorcontext/watchit/internal/store"
)

var errNoRecord = errors.New("no history database: pass --record or set record in config.yaml")

func openHistory(opts *rootOptions) (*store.Store, error) {
	if opts.record == "" {
		return nil, usageError{errNoRecord}
	}
	s, err := store.Open(opts.record)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}
	return s, nil
}

func listRuns(stdout io.Writer, opts *rootOptions) error {
	s, err := openHistory(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.Runs()
	if err != nil {
		return err
	}

	if opts.jsonOut {
		if runs == nil {
			runs = []store.Run{}
		}
		return json.NewEncoder(stdout).Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tDURATION\tEXIT\tPATHS\tCOMMAND")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			exitLabel(r),
			r.PathCount,
			strings.Join(r.Command, " "),
		)
	}
	return w.Flush()
}

func showRun(stdout io.Writer, opts *rootOptions) error {
	s, err := openHistory(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.Get(opts.show)
	if err != nil {
		return err
	}
	paths, err := s.Paths(run.ID)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return json.NewEncoder(stdout).Encode(struct {
			store.Run
			Paths []string `json:"paths"`
		}{run, paths})
	}
	for _, p := range paths {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

func exitLabel(r store.Run) string {
	if r.Signal != "" {
		return r.Signal
	}
	return fmt.Sprintf("%d", r.ExitCode)
}
