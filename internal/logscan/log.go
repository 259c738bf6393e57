// Package logscan parses the diagnostics a document compiler leaves behind:
// the free-form transcript log, the recorder (.fls) file, and the auxiliary
// files read by bibliography tools. Every path the log scanner recovers is
// tagged with how much it can be trusted, so the ambiguous parts of the log
// format are an explicit decision table instead of implicit fallthrough.
package logscan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrBadLog indicates a log that is empty or whose first line does not
// identify a compiler run.
var ErrBadLog = errors.New("log does not identify a compiler run")

// DefaultWrapWidth is TeX's default max_print_line.
const DefaultWrapWidth = 79

// Confidence grades a recovered path.
type Confidence int

const (
	Confirmed Confidence = iota // unambiguous pattern, or the candidate exists
	Heuristic                   // plausible filename that does not exist
	Discarded                   // probable mis-parse of surrounding prose
)

func (c Confidence) String() string {
	switch c {
	case Confirmed:
		return "confirmed"
	case Heuristic:
		return "heuristic"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("confidence(%d)", int(c))
	}
}

// FindingKind classifies a path found in the log.
type FindingKind int

const (
	FindInput       FindingKind = iota // file opened for reading
	FindMissing                        // file reported as not found
	FindWritten                        // file opened for writing
	FindDestination                    // the run's main output
)

func (k FindingKind) String() string {
	switch k {
	case FindInput:
		return "input"
	case FindMissing:
		return "missing"
	case FindWritten:
		return "written"
	case FindDestination:
		return "destination"
	default:
		return fmt.Sprintf("finding(%d)", int(k))
	}
}

// Finding is one path recovered from the log.
type Finding struct {
	Kind       FindingKind
	Path       string
	Confidence Confidence
	Line       int // 1-based line in the unwrapped log
}

// Conversion links a file produced during the run to the input it was
// converted from.
type Conversion struct {
	Package string
	From    string
	To      string
}

// LogReport is the structured result of scanning one log.
type LogReport struct {
	Banner      string
	Findings    []Finding
	Conversions []Conversion
	Errors      int
	Undefined   int // undefined references and citations
	NoPages     bool
	RerunHints  []string
}

// Paths returns the distinct paths of the given kind whose confidence is at
// least as strong as min, in first-seen order.
func (r *LogReport) Paths(kind FindingKind, min Confidence) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range r.Findings {
		if f.Kind != kind || f.Confidence > min || seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		out = append(out, f.Path)
	}
	return out
}

// Destination returns the output file the log reports, if any.
func (r *LogReport) Destination() string {
	for _, f := range r.Findings {
		if f.Kind == FindDestination {
			return f.Path
		}
	}
	return ""
}

var (
	reBanner = regexp.MustCompile(`^This is `)

	reMissing = []*regexp.Regexp{
		regexp.MustCompile("^! LaTeX Error: File `([^']+)' not found\\."),
		regexp.MustCompile("^! I can't find file `([^']+)'\\."),
		regexp.MustCompile("^LaTeX Warning: File `([^']+)' not found"),
		regexp.MustCompile("^Package \\S+ Warning: File `([^']+)' not found"),
		regexp.MustCompile("^! Package \\S+ Error: File `([^']+)' not found"),
		regexp.MustCompile(`^No file (.+)\.$`),
	}

	reOpenout     = regexp.MustCompile("^\\\\openout\\d+ = `([^']+)'\\.")
	reOutput      = regexp.MustCompile(`^Output written on (.+?) \(\d+ pages?`)
	reNoPages     = regexp.MustCompile(`^No pages of output\.`)
	reUndefined   = regexp.MustCompile(`^(LaTeX|Package \S+) Warning: .*(Reference|Citation|citation|reference).*undefined`)
	reRerun       = regexp.MustCompile(`(Rerun to get|Label\(s\) may have changed|Please \(?re\)?run (Biber|BibTeX|LaTeX))`)
	reGraphic     = regexp.MustCompile(`<(?:use )?([^<>,\s][^<>,]*\.[A-Za-z0-9]+)(?:, id=[^>]*)?>`)
	reMapFile     = regexp.MustCompile(`\{([^{}\s]+\.(?:map|enc))\}`)
	reConvSource  = regexp.MustCompile(`^Package (\S+) Info: Source file: <([^>]+)>`)
	reConvOutput  = regexp.MustCompile(`^\((\S+)\)\s+Output file: <([^>]+)>`)
	reConvContinu = regexp.MustCompile(`^\((\S+)\)\s`)
)

// knownExtensions are extensions a bare, non-existent "(name" candidate must
// carry to be kept as a heuristic match.
var knownExtensions = map[string]bool{
	".tex": true, ".sty": true, ".cls": true, ".cfg": true, ".def": true,
	".fd": true, ".clo": true, ".ldf": true, ".aux": true, ".toc": true,
	".lof": true, ".lot": true, ".bbl": true, ".ind": true, ".gls": true,
	".out": true, ".nav": true, ".snm": true, ".vrb": true, ".bib": true,
	".ltx": true, ".lua": true, ".dtx": true, ".pdf": true, ".png": true,
	".jpg": true, ".jpeg": true, ".eps": true, ".mps": true, ".bcf": true,
	".idx": true, ".xdv": true, ".dvi": true, ".mkii": true, ".mkiv": true,
}

// Scanner scans compiler logs.
type Scanner struct {
	// Exists resolves the ambiguity of undelimited filenames. A nil Exists
	// treats every candidate as absent.
	Exists func(path string) bool
	// Width is the wrap width of the log; zero means DefaultWrapWidth.
	Width int
}

// Unwrap joins lines that the compiler broke at exactly width characters.
func Unwrap(lines []string, width int) []string {
	if width <= 0 {
		width = DefaultWrapWidth
	}
	var out []string
	var cur strings.Builder
	joining := false
	for _, l := range lines {
		cur.WriteString(l)
		joining = utf8.RuneCountInString(l) == width
		if !joining {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if joining {
		out = append(out, cur.String())
	}
	return out
}

// Scan reads a complete log and classifies every path it mentions.
func (s *Scanner) Scan(r io.Reader) (*LogReport, error) {
	var raw []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw = append(raw, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	if len(raw) == 0 || !reBanner.MatchString(raw[0]) {
		return nil, ErrBadLog
	}

	lines := Unwrap(raw, s.Width)
	rep := &LogReport{Banner: lines[0]}
	var pending *Conversion

	for i := 1; i < len(lines); i++ {
		line := lines[i]
		lineNo := i + 1

		if pending != nil {
			if m := reConvOutput.FindStringSubmatch(line); m != nil && m[1] == pending.Package {
				pending.To = m[2]
				continue
			}
			if m := reConvContinu.FindStringSubmatch(line); m != nil && m[1] == pending.Package {
				continue
			}
			s.closeConversion(rep, pending)
			pending = nil
		}
		if m := reConvSource.FindStringSubmatch(line); m != nil {
			pending = &Conversion{Package: m[1], From: m[2]}
			continue
		}

		if s.scanFixed(rep, line, lineNo) {
			continue
		}
		if strings.HasPrefix(line, "! ") {
			rep.Errors++
		}
		if reUndefined.MatchString(line) {
			rep.Undefined++
		}
		if reRerun.MatchString(line) {
			rep.RerunHints = append(rep.RerunHints, strings.TrimSpace(line))
		}
		s.scanOpenParens(rep, line, lineNo)
		s.scanGraphics(rep, line, lineNo)
	}
	if pending != nil {
		s.closeConversion(rep, pending)
	}
	return rep, nil
}

// scanFixed handles the unambiguous single-line patterns. It reports whether
// the line was fully consumed.
func (s *Scanner) scanFixed(rep *LogReport, line string, lineNo int) bool {
	for _, re := range reMissing {
		if m := re.FindStringSubmatch(line); m != nil {
			if strings.HasPrefix(line, "! ") {
				rep.Errors++
			}
			rep.add(FindMissing, m[1], Confirmed, lineNo)
			return true
		}
	}
	if m := reOpenout.FindStringSubmatch(line); m != nil {
		rep.add(FindWritten, m[1], Confirmed, lineNo)
		return true
	}
	if m := reOutput.FindStringSubmatch(line); m != nil {
		rep.add(FindDestination, strings.Trim(m[1], `"`), Confirmed, lineNo)
		return true
	}
	if reNoPages.MatchString(line) {
		rep.NoPages = true
		return true
	}
	return false
}

func (s *Scanner) closeConversion(rep *LogReport, c *Conversion) {
	if c.To == "" {
		return
	}
	rep.Conversions = append(rep.Conversions, *c)
}

// scanOpenParens recovers files from TeX's "(file" open markers. The file
// name is not delimited, so each terminator position is tried in turn and
// the first candidate naming an existing file wins. A non-existent candidate
// survives as Heuristic only when it carries a known extension; everything
// else is Discarded. This can drop a legitimately missing file whose name
// runs into trailing prose; see DESIGN.md.
func (s *Scanner) scanOpenParens(rep *LogReport, line string, lineNo int) {
	for i := 0; i < len(line); i++ {
		if line[i] != '(' {
			continue
		}
		rest := line[i+1:]
		if rest == "" || rest[0] == ' ' || rest[0] == '(' || rest[0] == ')' {
			continue
		}
		cand, consumed, conf := s.resolveCandidate(rest)
		if cand == "" {
			continue
		}
		rep.add(FindInput, cand, conf, lineNo)
		if conf != Discarded {
			i += consumed
		}
	}
}

// resolveCandidate applies the terminator decision table to the text after
// an open parenthesis.
func (s *Scanner) resolveCandidate(rest string) (string, int, Confidence) {
	if rest[0] == '"' {
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return "", 0, Discarded
		}
		name := rest[1 : end+1]
		if s.exists(name) {
			return name, end + 2, Confirmed
		}
		return name, end + 2, Heuristic
	}

	cuts := terminatorCuts(rest)
	for _, cut := range cuts {
		cand := rest[:cut]
		if cand != "" && s.exists(cand) {
			return cand, cut, Confirmed
		}
	}
	first := rest[:cuts[0]]
	if knownExtensions[strings.ToLower(filepath.Ext(first))] {
		return first, cuts[0], Heuristic
	}
	return first, cuts[0], Discarded
}

// terminatorCuts lists the positions at which an undelimited filename may
// end, shortest first. The end of the line is always a candidate.
func terminatorCuts(rest string) []int {
	var cuts []int
	for j := 0; j < len(rest); j++ {
		switch rest[j] {
		case ' ', ')', '(', '[', '{', '<', '"':
			if j > 0 {
				cuts = append(cuts, j)
			}
		}
	}
	return append(cuts, len(rest))
}

func (s *Scanner) scanGraphics(rep *LogReport, line string, lineNo int) {
	for _, m := range reGraphic.FindAllStringSubmatch(line, -1) {
		rep.add(FindInput, m[1], s.confidence(m[1]), lineNo)
	}
	for _, m := range reMapFile.FindAllStringSubmatch(line, -1) {
		rep.add(FindInput, m[1], s.confidence(m[1]), lineNo)
	}
}

func (s *Scanner) confidence(path string) Confidence {
	if s.exists(path) {
		return Confirmed
	}
	return Heuristic
}

func (s *Scanner) exists(path string) bool {
	return s.Exists != nil && s.Exists(path)
}

func (r *LogReport) add(kind FindingKind, path string, conf Confidence, line int) {
	r.Findings = append(r.Findings, Finding{Kind: kind, Path: path, Confidence: conf, Line: line})
}
