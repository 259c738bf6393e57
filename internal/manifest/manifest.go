// Package manifest holds the rule templates: the built-in command table and
// the overrides, custom dependencies and hooks read from quire.toml.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/papapumpkin/quire/internal/filestate"
	"github.com/papapumpkin/quire/internal/proc"
)

// FileName is the manifest looked up next to the document.
const FileName = "quire.toml"

// ErrInvalid is returned for a manifest that cannot be used.
var ErrInvalid = errors.New("invalid manifest")

// CustomDependency declares how to make files with extension To from files
// with the same base name and extension From.
type CustomDependency struct {
	From    string `toml:"from"`
	To      string `toml:"to"`
	Command string `toml:"command"`
}

// Hook is a command run once at the end of a successful invocation.
type Hook struct {
	Name    string `toml:"name"`
	Command string `toml:"command"`
}

// Manifest is the rule template table.
type Manifest struct {
	Commands           map[string]string  `toml:"commands"`
	PrimaryOptions     string             `toml:"primary_options"`
	CustomDependencies []CustomDependency `toml:"custom_dependency"`
	Hooks              []Hook             `toml:"hook"`
	IgnorePatterns     map[string]string  `toml:"ignore_patterns"`
}

// DefaultPrimaryOptions make the compiler non-interactive and have it write
// the recorder file.
const DefaultPrimaryOptions = "-interaction=nonstopmode -file-line-error -recorder"

// Default returns the built-in template table.
func Default() *Manifest {
	return &Manifest{
		Commands: map[string]string{
			"latex":     "latex %O %S",
			"pdflatex":  "pdflatex %O %S",
			"lualatex":  "lualatex %O %S",
			"xelatex":   "xelatex %O %S",
			"bibtex":    "bibtex %O %B",
			"biber":     "biber %O %B",
			"makeindex": "makeindex %O -o %D %S",
			"dvips":     "dvips %O -o %D %S",
			"dvipdf":    "dvipdf %O %S %D",
			"ps2pdf":    "ps2pdf %O %S %D",
		},
		PrimaryOptions: DefaultPrimaryOptions,
		IgnorePatterns: filestate.DefaultIgnorePatterns(),
	}
}

// Load reads the manifest at path over the built-in defaults. A missing
// file yields the defaults.
func Load(path string) (*Manifest, error) {
	m := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var user Manifest
	if err := toml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for name, cmd := range user.Commands {
		m.Commands[name] = cmd
	}
	if user.PrimaryOptions != "" {
		m.PrimaryOptions = user.PrimaryOptions
	}
	for ext, re := range user.IgnorePatterns {
		m.IgnorePatterns[ext] = re
	}
	m.CustomDependencies = user.CustomDependencies
	m.Hooks = user.Hooks

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks every template and pattern.
func (m *Manifest) Validate() error {
	names := make([]string, 0, len(m.Commands))
	for name := range m.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := proc.Validate(m.Commands[name]); err != nil {
			return fmt.Errorf("%w: command %s: %v", ErrInvalid, name, err)
		}
	}
	for i, cd := range m.CustomDependencies {
		if cd.From == "" || cd.To == "" || cd.Command == "" {
			return fmt.Errorf("%w: custom_dependency %d needs from, to and command", ErrInvalid, i+1)
		}
		if err := proc.Validate(cd.Command); err != nil {
			return fmt.Errorf("%w: custom_dependency %s→%s: %v", ErrInvalid, cd.From, cd.To, err)
		}
	}
	for _, h := range m.Hooks {
		if h.Name == "" {
			return fmt.Errorf("%w: hook without a name", ErrInvalid)
		}
		if err := proc.Validate(h.Command); err != nil {
			return fmt.Errorf("%w: hook %s: %v", ErrInvalid, h.Name, err)
		}
	}
	if _, err := m.FileOptions(); err != nil {
		return err
	}
	return nil
}

// FileOptions compiles the ignore patterns into file store options.
func (m *Manifest) FileOptions() ([]filestate.Option, error) {
	var opts []filestate.Option
	for ext, pattern := range m.IgnorePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: ignore pattern for %s: %v", ErrInvalid, ext, err)
		}
		opts = append(opts, filestate.WithIgnorePattern(ext, re))
	}
	return opts, nil
}

// Command returns the template for a tool.
func (m *Manifest) Command(tool string) (string, error) {
	cmd, ok := m.Commands[tool]
	if !ok || cmd == "" {
		return "", fmt.Errorf("%w: no command for %s", ErrInvalid, tool)
	}
	return cmd, nil
}
