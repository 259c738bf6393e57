// Package proc turns rule command templates into shell command lines and
// runs them as child processes.
package proc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPlaceholder is returned for a template placeholder that is not defined.
var ErrPlaceholder = errors.New("unknown placeholder")

// Vars are the values substituted into a command template.
type Vars struct {
	Source  string // %S
	Dest    string // %D
	Base    string // %B
	Options string // %O, inserted verbatim
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_./:=+,@-]+$`)

// Quote returns s quoted for a POSIX shell when it needs quoting.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Expand substitutes the placeholders of tmpl. %S, %D and %B are shell
// quoted, %O is inserted as is and %% yields a literal percent sign.
func Expand(tmpl string, v Vars) (string, error) {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(tmpl) {
			return "", fmt.Errorf("%w: trailing %% in %q", ErrPlaceholder, tmpl)
		}
		i++
		switch tmpl[i] {
		case 'S':
			b.WriteString(Quote(v.Source))
		case 'D':
			b.WriteString(Quote(v.Dest))
		case 'B':
			b.WriteString(Quote(v.Base))
		case 'O':
			b.WriteString(v.Options)
		case '%':
			b.WriteByte('%')
		default:
			return "", fmt.Errorf("%w: %%%c in %q", ErrPlaceholder, tmpl[i], tmpl)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Validate reports whether tmpl uses only known placeholders.
func Validate(tmpl string) error {
	_, err := Expand(tmpl, Vars{})
	return err
}
