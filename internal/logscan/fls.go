package logscan

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Recording is the parsed content of a recorder (.fls) file: a flat list of
// PWD, INPUT and OUTPUT lines. Relative paths are resolved against the most
// recent PWD.
type Recording struct {
	PWD     string
	Inputs  []string
	Outputs []string

	firstInput  map[string]int
	firstOutput map[string]int
}

// ParseFLS parses a recorder file.
func ParseFLS(r io.Reader) (*Recording, error) {
	rec := &Recording{
		firstInput:  make(map[string]int),
		firstOutput: make(map[string]int),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("fls line %d: malformed %q", n, line)
		}
		switch key {
		case "PWD":
			rec.PWD = val
		case "INPUT":
			p := rec.resolve(val)
			if _, seen := rec.firstInput[p]; !seen {
				rec.firstInput[p] = n
				rec.Inputs = append(rec.Inputs, p)
			}
		case "OUTPUT":
			p := rec.resolve(val)
			if _, seen := rec.firstOutput[p]; !seen {
				rec.firstOutput[p] = n
				rec.Outputs = append(rec.Outputs, p)
			}
		default:
			return nil, fmt.Errorf("fls line %d: unknown keyword %q", n, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading fls: %w", err)
	}
	return rec, nil
}

func (r *Recording) resolve(p string) string {
	if filepath.IsAbs(p) || r.PWD == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(r.PWD, p)
}

// IsInput reports whether the run read path.
func (r *Recording) IsInput(path string) bool {
	_, ok := r.firstInput[path]
	return ok
}

// IsOutput reports whether the run wrote path.
func (r *Recording) IsOutput(path string) bool {
	_, ok := r.firstOutput[path]
	return ok
}

// WrittenBeforeRead reports whether path was first written and only then
// read during the run.
func (r *Recording) WrittenBeforeRead(path string) bool {
	in, okIn := r.firstInput[path]
	out, okOut := r.firstOutput[path]
	return okIn && okOut && out < in
}
