// Package fdb reads and writes the per-document state file that carries rule
// snapshots from one invocation to the next.
//
// The format is line oriented text:
//
//	# quire fdb version 1
//	["rule"] run_time "source" "dest" "base" check_time last_result run_count
//	  "path" time size hash "producing_rule"
//	  (generated)
//	  "path"
//	  (rewritten before read)
//	  "path"
//	  (source rules)
//	  "rule" count
//	  (missing)
//	  "path"
//
// Times are seconds and nanoseconds since the Unix epoch, 0 for unset. A
// missing file has size -1 and hash "-".
package fdb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/papapumpkin/quire/internal/filestate"
)

// Version is the state file format version written by this package.
const Version = 1

// Ext is the state file extension.
const Ext = ".fdb"

// ErrVersion is returned for a state file written in another format version.
var ErrVersion = errors.New("unsupported state file version")

// ErrSyntax is returned for a malformed state file.
var ErrSyntax = errors.New("malformed state file")

const header = "# quire fdb version "

// File is one source snapshot.
type File struct {
	Path     string
	Stamp    filestate.Stamp
	FromRule string
}

// Rule is the persisted state of one rule.
type Rule struct {
	ID          string
	RunTime     time.Time
	Source      string
	Dest        string
	Base        string
	CheckTime   time.Time
	LastResult  int
	RunCount    int
	Sources     []File
	Generated   []string
	Rewritten   []string
	SourceRules map[string]int
	// Missing are inputs the last run could not find anywhere.
	Missing []string
}

// State is the content of one state file.
type State struct {
	Rules []Rule
}

// Read loads the state file at path. A missing file yields an empty state.
func Read(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	defer f.Close()
	st, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// Write saves st to path atomically (write temp + rename).
func Write(path string, st *State) error {
	var buf bytes.Buffer
	if err := Encode(&buf, st); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming state file: %w", err)
	}
	return nil
}

// Encode writes st in the state file format.
func Encode(w io.Writer, st *State) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s%d\n", header, Version)
	for _, r := range st.Rules {
		fmt.Fprintf(bw, "[%s] %s %s %s %s %s %d %d\n",
			strconv.Quote(r.ID), formatTime(r.RunTime),
			strconv.Quote(r.Source), strconv.Quote(r.Dest), strconv.Quote(r.Base),
			formatTime(r.CheckTime), r.LastResult, r.RunCount)
		for _, f := range r.Sources {
			hash := f.Stamp.Hash
			if hash == "" {
				hash = "-"
			}
			fmt.Fprintf(bw, "  %s %s %d %s %s\n",
				strconv.Quote(f.Path), formatTime(f.Stamp.ModTime), f.Stamp.Size, hash, strconv.Quote(f.FromRule))
		}
		bw.WriteString("  (generated)\n")
		for _, p := range r.Generated {
			fmt.Fprintf(bw, "  %s\n", strconv.Quote(p))
		}
		bw.WriteString("  (rewritten before read)\n")
		for _, p := range r.Rewritten {
			fmt.Fprintf(bw, "  %s\n", strconv.Quote(p))
		}
		bw.WriteString("  (source rules)\n")
		ids := make([]string, 0, len(r.SourceRules))
		for id := range r.SourceRules {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(bw, "  %s %d\n", strconv.Quote(id), r.SourceRules[id])
		}
		bw.WriteString("  (missing)\n")
		for _, p := range r.Missing {
			fmt.Fprintf(bw, "  %s\n", strconv.Quote(p))
		}
	}
	return bw.Flush()
}

type section int

const (
	secSources section = iota
	secGenerated
	secRewritten
	secSourceRules
	secMissing
)

var sectionNames = map[string]section{
	"(generated)":             secGenerated,
	"(rewritten before read)": secRewritten,
	"(source rules)":          secSourceRules,
	"(missing)":               secMissing,
}

// Decode parses a state file.
func Decode(r io.Reader) (*State, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty", ErrSyntax)
	}
	first := sc.Text()
	if !strings.HasPrefix(first, header) {
		return nil, fmt.Errorf("%w: missing header", ErrSyntax)
	}
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(first, header)))
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q", ErrSyntax, first)
	}
	if v != Version {
		return nil, fmt.Errorf("%w: %d (want %d)", ErrVersion, v, Version)
	}

	st := &State{}
	var cur *Rule
	sec := secSources
	n := 1
	for sc.Scan() {
		n++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			r, err := parseRuleLine(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			st.Rules = append(st.Rules, r)
			cur = &st.Rules[len(st.Rules)-1]
			sec = secSources
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: %w: entry outside a rule", n, ErrSyntax)
		}
		if s, ok := sectionNames[trimmed]; ok {
			sec = s
			continue
		}
		if err := parseEntry(cur, sec, trimmed); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

func parseRuleLine(line string) (Rule, error) {
	rest := strings.TrimPrefix(line, "[")
	id, rest, err := quoted(rest)
	if err != nil {
		return Rule{}, err
	}
	if !strings.HasPrefix(rest, "]") {
		return Rule{}, fmt.Errorf("%w: unterminated rule id", ErrSyntax)
	}
	toks, err := tokenize(rest[1:])
	if err != nil {
		return Rule{}, err
	}
	if len(toks) != 7 {
		return Rule{}, fmt.Errorf("%w: rule line has %d fields, want 8", ErrSyntax, len(toks)+1)
	}
	r := Rule{ID: id, Source: toks[1], Dest: toks[2], Base: toks[3], SourceRules: make(map[string]int)}
	if r.RunTime, err = parseTime(toks[0]); err != nil {
		return Rule{}, err
	}
	if r.CheckTime, err = parseTime(toks[4]); err != nil {
		return Rule{}, err
	}
	if r.LastResult, err = atoi(toks[5]); err != nil {
		return Rule{}, err
	}
	if r.RunCount, err = atoi(toks[6]); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func parseEntry(r *Rule, sec section, line string) error {
	toks, err := tokenize(line)
	if err != nil {
		return err
	}
	switch sec {
	case secSources:
		if len(toks) != 5 {
			return fmt.Errorf("%w: source line has %d fields, want 5", ErrSyntax, len(toks))
		}
		f := File{Path: toks[0], FromRule: toks[4]}
		if f.Stamp.ModTime, err = parseTime(toks[1]); err != nil {
			return err
		}
		size, err := strconv.ParseInt(toks[2], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: size %q", ErrSyntax, toks[2])
		}
		f.Stamp.Size = size
		if toks[3] != "-" {
			f.Stamp.Hash = toks[3]
		}
		r.Sources = append(r.Sources, f)
	case secGenerated, secRewritten, secMissing:
		if len(toks) != 1 {
			return fmt.Errorf("%w: expected one path", ErrSyntax)
		}
		switch sec {
		case secGenerated:
			r.Generated = append(r.Generated, toks[0])
		case secRewritten:
			r.Rewritten = append(r.Rewritten, toks[0])
		default:
			r.Missing = append(r.Missing, toks[0])
		}
	case secSourceRules:
		if len(toks) != 2 {
			return fmt.Errorf("%w: expected rule and count", ErrSyntax)
		}
		count, err := atoi(toks[1])
		if err != nil {
			return err
		}
		r.SourceRules[toks[0]] = count
	}
	return nil
}

// tokenize splits a line into fields; quoted fields are unquoted.
func tokenize(s string) ([]string, error) {
	var out []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return out, nil
		}
		if s[0] == '"' {
			tok, rest, err := quoted(s)
			if err != nil {
				return nil, err
			}
			out = append(out, tok)
			s = rest
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		out = append(out, s[:end])
		s = s[end:]
	}
}

func quoted(s string) (string, string, error) {
	q, err := strconv.QuotedPrefix(s)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad quoted string in %q", ErrSyntax, s)
	}
	v, err := strconv.Unquote(q)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return v, s[len(q):], nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

func parseTime(s string) (time.Time, error) {
	if s == "0" {
		return time.Time{}, nil
	}
	secs, nanos, ok := strings.Cut(s, ".")
	if !ok || len(nanos) != 9 {
		return time.Time{}, fmt.Errorf("%w: time %q", ErrSyntax, s)
	}
	sec, err1 := strconv.ParseInt(secs, 10, 64)
	nsec, err2 := strconv.ParseInt(nanos, 10, 64)
	if err1 != nil || err2 != nil {
		return time.Time{}, fmt.Errorf("%w: time %q", ErrSyntax, s)
	}
	return time.Unix(sec, nsec), nil
}

func atoi(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", ErrSyntax, s)
	}
	return v, nil
}
