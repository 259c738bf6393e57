// Package filestate caches per-file modification time, size and content hash
// so that staleness can be judged by content without rehashing every file on
// every check.
package filestate

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// NonExistentSize is the size recorded for a file that does not exist.
const NonExistentSize = -1

// DefaultGranularity is the filesystem timestamp resolution assumed when
// deciding whether a rewrite could hide inside the same tick.
const DefaultGranularity = time.Second

// Stamp is the observable state of a file at one point in time.
type Stamp struct {
	ModTime time.Time
	Size    int64
	Hash    string
}

// Missing returns the sentinel stamp of a non-existent file.
func Missing() Stamp {
	return Stamp{Size: NonExistentSize}
}

// Exists reports whether the stamp describes an existing file.
func (s Stamp) Exists() bool {
	return s.Size != NonExistentSize
}

// Record is the cached state of one path plus the bookkeeping other
// components hang off it.
type Record struct {
	Path  string
	Stamp Stamp

	// GeneratingRule is the id of the rule that last wrote the file, if any.
	GeneratingRule string
	// RewrittenBeforeRead marks files overwritten during a run before being read.
	RewrittenBeforeRead bool
	// CorrectAfterPrimary marks byproducts the primary rule reads back
	// without needing another pass.
	CorrectAfterPrimary bool
}

// Option configures a Store.
type Option func(*Store)

// WithIgnorePattern registers a regular expression for files with the given
// extension (without the dot). Matching lines are skipped when hashing.
func WithIgnorePattern(ext string, re *regexp.Regexp) Option {
	return func(s *Store) {
		s.ignore[strings.TrimPrefix(strings.ToLower(ext), ".")] = re
	}
}

// WithGranularity sets the timestamp tick used for same-tick rewrite checks.
func WithGranularity(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.granularity = d
		}
	}
}

// WithRoot resolves relative paths against dir instead of the process
// working directory. Paths are still recorded as given.
func WithRoot(dir string) Option {
	return func(s *Store) {
		s.root = dir
	}
}

// Store is the single source of truth for "has this file changed".
// It is not safe for concurrent use.
type Store struct {
	records     map[string]*Record
	ignore      map[string]*regexp.Regexp
	granularity time.Duration
	root        string
	hashes      int
}

// DefaultIgnorePatterns returns the built-in per-extension ignore patterns:
// PostScript creation dates change on every conversion.
func DefaultIgnorePatterns() map[string]string {
	return map[string]string{
		"eps": `^%%CreationDate: `,
		"ps":  `^%%CreationDate: `,
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:     make(map[string]*Record),
		ignore:      make(map[string]*regexp.Regexp),
		granularity: DefaultGranularity,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current state of path. A missing file yields the
// non-existent sentinel and drops the cached stamp. The hash is recomputed
// when mtime or size moved, or when checkTime is non-zero and lands in the
// same tick as the cached mtime.
func (s *Store) Get(path string, checkTime time.Time) (Stamp, error) {
	info, err := os.Stat(s.Abs(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.dropStamp(path)
			return Missing(), nil
		}
		return Missing(), fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Missing(), fmt.Errorf("stat %s: is a directory", path)
	}

	rec := s.Record(path)
	cached := rec.Stamp
	mtime := info.ModTime()
	size := info.Size()

	rehash := !cached.Exists() ||
		!cached.ModTime.Equal(mtime) ||
		cached.Size != size ||
		cached.Hash == "" ||
		(!checkTime.IsZero() && s.sameTick(cached.ModTime, checkTime))
	if !rehash {
		return cached, nil
	}

	hash, err := s.hashFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.dropStamp(path)
			return Missing(), nil
		}
		return Missing(), err
	}
	rec.Stamp = Stamp{ModTime: mtime, Size: size, Hash: hash}
	return rec.Stamp, nil
}

// Set writes a stamp into the cache directly, used when restoring state.
func (s *Store) Set(path string, st Stamp) {
	if !st.Exists() {
		s.dropStamp(path)
		return
	}
	s.Record(path).Stamp = st
}

// Record returns the record for path, creating it on first reference.
func (s *Store) Record(path string) *Record {
	rec, ok := s.records[path]
	if !ok {
		rec = &Record{Path: path, Stamp: Missing()}
		s.records[path] = rec
	}
	return rec
}

// Lookup returns the record for path without creating it.
func (s *Store) Lookup(path string) (*Record, bool) {
	rec, ok := s.records[path]
	return rec, ok
}

// Forget removes path from the store entirely.
func (s *Store) Forget(path string) {
	delete(s.records, path)
}

// Paths returns all tracked paths in sorted order.
func (s *Store) Paths() []string {
	out := make([]string, 0, len(s.records))
	for p := range s.records {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HashCount returns how many files have been hashed by this store.
func (s *Store) HashCount() int {
	return s.hashes
}

// HasIgnorePattern reports whether lines of path are filtered before hashing.
func (s *Store) HasIgnorePattern(path string) bool {
	_, ok := s.ignore[extOf(path)]
	return ok
}

// dropStamp resets the cached stamp. Records that carry no bookkeeping are
// removed, the others keep their flags with the sentinel stamp.
func (s *Store) dropStamp(path string) {
	rec, ok := s.records[path]
	if !ok {
		return
	}
	if rec.GeneratingRule == "" && !rec.RewrittenBeforeRead && !rec.CorrectAfterPrimary {
		delete(s.records, path)
		return
	}
	rec.Stamp = Missing()
}

// Abs returns the filesystem location of a recorded path.
func (s *Store) Abs(path string) string {
	if s.root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, path)
}

func (s *Store) sameTick(a, b time.Time) bool {
	return a.Truncate(s.granularity).Equal(b.Truncate(s.granularity))
}

func (s *Store) hashFile(path string) (string, error) {
	f, err := os.Open(s.Abs(path))
	if err != nil {
		return "", err
	}
	defer f.Close()

	s.hashes++
	h := sha3.New256()
	re, filtered := s.ignore[extOf(path)]
	if !filtered {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("hashing %s: %w", path, err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && !re.Match(bytes.TrimRight(line, "\r\n")) {
			h.Write(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
