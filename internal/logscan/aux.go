package logscan

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// AuxInfo is what a bibliography run needs from a LaTeX .aux file.
type AuxInfo struct {
	BibData  []string // database names from \bibdata, without extension
	BibStyle string
	Includes []string // nested aux files from \@input
}

var (
	reBibData  = regexp.MustCompile(`^\\bibdata\{([^}]*)\}`)
	reBibStyle = regexp.MustCompile(`^\\bibstyle\{([^}]*)\}`)
	reAuxInput = regexp.MustCompile(`^\\@input\{([^}]*)\}`)
	reBCFData  = regexp.MustCompile(`<bcf:datasource[^>]*>\s*([^<]+?)\s*</bcf:datasource>`)

	reBlgMissing = []*regexp.Regexp{
		regexp.MustCompile(`^I couldn't open (?:database|style|auxiliary) file (\S+)`),
		regexp.MustCompile(`ERROR - Cannot find '([^']+)'`),
		regexp.MustCompile(`ERROR - Cannot find control file '([^']+)'`),
	}
	reBlgError = regexp.MustCompile(`(^\(There (?:was|were) \d+ error|ERROR - )`)
)

// ScanAux extracts bibliography directives from an aux file.
func ScanAux(r io.Reader) (*AuxInfo, error) {
	info := &AuxInfo{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := reBibData.FindStringSubmatch(line); m != nil {
			for _, name := range strings.Split(m[1], ",") {
				if name = strings.TrimSpace(name); name != "" {
					info.BibData = append(info.BibData, name)
				}
			}
			continue
		}
		if m := reBibStyle.FindStringSubmatch(line); m != nil {
			info.BibStyle = strings.TrimSpace(m[1])
			continue
		}
		if m := reAuxInput.FindStringSubmatch(line); m != nil {
			info.Includes = append(info.Includes, strings.TrimSpace(m[1]))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading aux: %w", err)
	}
	return info, nil
}

// BCFDataSources lists the bibliography databases named in a biber control file.
func BCFDataSources(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading bcf: %w", err)
	}
	var out []string
	for _, m := range reBCFData.FindAllSubmatch(data, -1) {
		out = append(out, string(m[1]))
	}
	return out, nil
}

// BlgReport summarizes a bibliography tool's log.
type BlgReport struct {
	Missing []string
	Errors  int
}

// ScanBlg reads a bibtex or biber log for unopenable files and errors.
func ScanBlg(r io.Reader) (*BlgReport, error) {
	rep := &BlgReport{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		for _, re := range reBlgMissing {
			if m := re.FindStringSubmatch(line); m != nil {
				rep.Missing = append(rep.Missing, m[1])
				break
			}
		}
		if reBlgError.MatchString(line) {
			rep.Errors++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading blg: %w", err)
	}
	return rep, nil
}
