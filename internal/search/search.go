// Package search resolves files the compiler reported as not found against
// a list of search directories, the way a document's input path is searched.
package search

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of remembered lookups.
const DefaultCacheSize = 512

// Resolver finds files along search directories. Negative results are
// cached too; call Invalidate when the filesystem is expected to have changed.
type Resolver struct {
	dirs  []string
	exts  []string
	cache *lru.Cache[string, string]
}

// NewResolver creates a resolver searching dirs in order. exts are default
// extensions tried for names that have none (for example ".tex").
func NewResolver(dirs, exts []string, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		dirs:  append([]string(nil), dirs...),
		exts:  append([]string(nil), exts...),
		cache: cache,
	}, nil
}

// Resolve returns the path of name relative to base (the document's
// directory), or "" if it cannot be found.
func (r *Resolver) Resolve(base, name string) string {
	key := base + "\x00" + name
	if hit, ok := r.cache.Get(key); ok {
		return hit
	}
	found := r.lookup(base, name)
	r.cache.Add(key, found)
	return found
}

// Invalidate forgets every cached lookup.
func (r *Resolver) Invalidate() {
	r.cache.Purge()
}

func (r *Resolver) lookup(base, name string) string {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		for _, ext := range r.exts {
			candidates = append(candidates, name+ext)
		}
	}

	if filepath.IsAbs(name) {
		for _, c := range candidates {
			if isFile(c) {
				return c
			}
		}
		return ""
	}

	dirs := append([]string{"."}, r.dirs...)
	for _, d := range dirs {
		for _, c := range candidates {
			rel := filepath.Join(d, c)
			full := rel
			if !filepath.IsAbs(rel) {
				full = filepath.Join(base, rel)
			}
			if isFile(full) {
				return filepath.Clean(rel)
			}
		}
	}
	return ""
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
