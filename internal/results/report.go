package results

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
)

// ErrBadPattern is returned for a filter glob that does not compile.
var ErrBadPattern = errors.New("invalid match pattern")

// Filter selects and rewrites paths at report time. Collection always
// stores raw paths; Filter never affects what is collected.
type Filter struct {
	// Glob keeps only paths matching the pattern. '*' also matches '/'.
	Glob string
	// Cwd, when set, is prefixed with a separator to relative paths.
	Cwd string
}

// Validate compiles the glob so a bad pattern fails before the run starts.
func (f Filter) Validate() error {
	_, err := f.compile()
	return err
}

func (f Filter) compile() (glob.Glob, error) {
	if f.Glob == "" {
		return nil, nil
	}
	// No separators: '*' crosses '/', like fnmatch without FNM_PATHNAME.
	g, err := glob.Compile(f.Glob)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrBadPattern, f.Glob, err)
	}
	return g, nil
}

// Generate writes every path in set that passes f, one per line, and
// returns how many lines were written. Any write error aborts the report.
func Generate(w io.Writer, set *Set, f Filter) (int, error) {
	g, err := f.compile()
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	written := 0
	for _, p := range set.Paths() {
		if g != nil && !g.Match(p) {
			continue
		}
		if err := writeLine(bw, f.Cwd, p); err != nil {
			return written, fmt.Errorf("writing report: %w", err)
		}
		written++
	}
	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("writing report: %w", err)
	}
	return written, nil
}

func writeLine(bw *bufio.Writer, cwd, p string) error {
	if cwd != "" && !filepath.IsAbs(p) {
		if _, err := bw.WriteString(cwd); err != nil {
			return err
		}
		if err := bw.WriteByte(filepath.Separator); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString(p); err != nil {
		return err
	}
	return bw.WriteByte('\n')
}

// OpenOutput opens the report destination. "" and "-" select standard
// output, which is left open by Close.
func OpenOutput(dest string) (io.WriteCloser, error) {
	if dest == "" || dest == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("opening report output: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
