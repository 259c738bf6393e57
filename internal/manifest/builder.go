package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/papapumpkin/quire/internal/rules"
)

// Format is a requested output kind.
type Format string

const (
	FormatPDF    Format = "pdf"    // direct PDF from the engine
	FormatDVI    Format = "dvi"    // latex
	FormatPS     Format = "ps"     // latex then dvips
	FormatPDFDVI Format = "pdfdvi" // latex then dvipdf
	FormatPDFPS  Format = "pdfps"  // latex then dvips then ps2pdf
)

// Engine names the compiler used for direct PDF output.
type Engine string

const (
	EnginePDFLaTeX Engine = "pdflatex"
	EngineLuaLaTeX Engine = "lualatex"
	EngineXeLaTeX  Engine = "xelatex"
)

// Outputs is the set of requested outputs.
type Outputs struct {
	Formats []Format
	Engine  Engine // for FormatPDF, defaults to pdflatex
}

// Builder turns templates into rule specs for one document.
type Builder struct {
	M    *Manifest
	Dir  string // document directory
	Base string // document base name
}

// Plan is the static rule network of a document.
type Plan struct {
	Specs   []rules.Spec
	Targets []string // rules standing for the requested outputs
}

// Plan builds the primary, post-processing and hook rules for source.
func (b *Builder) Plan(source string, outs Outputs) (*Plan, error) {
	formats := outs.Formats
	if len(formats) == 0 {
		formats = []Format{FormatPDF}
	}
	engine := outs.Engine
	if engine == "" {
		engine = EnginePDFLaTeX
	}

	p := &Plan{}
	seen := make(map[string]bool)
	add := func(spec rules.Spec) {
		if !seen[spec.ID] {
			seen[spec.ID] = true
			p.Specs = append(p.Specs, spec)
		}
	}
	primary := func(tool string, ext string) (string, error) {
		cmd, err := b.M.Command(tool)
		if err != nil {
			return "", err
		}
		add(rules.Spec{
			ID: tool, Kind: rules.KindPrimary, Stage: rules.StagePrimary,
			Command: cmd, Source: source, Dest: b.Base + ext, Base: b.Base,
			Options: b.M.PrimaryOptions,
		})
		return tool, nil
	}
	post := func(tool, from, to string) (string, error) {
		cmd, err := b.M.Command(tool)
		if err != nil {
			return "", err
		}
		add(rules.Spec{
			ID: tool, Kind: rules.KindExternal, Stage: rules.StagePost,
			Command: cmd, Source: b.Base + from, Dest: b.Base + to, Base: b.Base,
		})
		return tool, nil
	}

	for _, f := range formats {
		if f != FormatPDF && engine != EnginePDFLaTeX {
			return nil, fmt.Errorf("%w: %s cannot produce %s output", ErrInvalid, engine, f)
		}
		var target string
		var err error
		switch f {
		case FormatPDF:
			target, err = primary(string(engine), ".pdf")
		case FormatDVI:
			target, err = primary("latex", ".dvi")
		case FormatPS:
			if _, err = primary("latex", ".dvi"); err == nil {
				target, err = post("dvips", ".dvi", ".ps")
			}
		case FormatPDFDVI:
			if _, err = primary("latex", ".dvi"); err == nil {
				target, err = post("dvipdf", ".dvi", ".pdf")
			}
		case FormatPDFPS:
			if _, err = primary("latex", ".dvi"); err == nil {
				if _, err = post("dvips", ".dvi", ".ps"); err == nil {
					target, err = post("ps2pdf", ".ps", ".pdf")
				}
			}
		default:
			return nil, fmt.Errorf("%w: unknown output format %q", ErrInvalid, f)
		}
		if err != nil {
			return nil, err
		}
		p.Targets = append(p.Targets, target)
	}

	final := ""
	if last, ok := lastSpec(p, p.Targets); ok {
		final = last.Dest
	}
	for _, h := range b.M.Hooks {
		add(rules.Spec{
			ID: "hook " + h.Name, Kind: rules.KindOneTime, Stage: rules.StageOnce,
			Command: h.Command, Source: final, Base: b.Base,
		})
	}
	return p, nil
}

func lastSpec(p *Plan, targets []string) (rules.Spec, bool) {
	if len(targets) == 0 {
		return rules.Spec{}, false
	}
	id := targets[len(targets)-1]
	for _, s := range p.Specs {
		if s.ID == id {
			return s, true
		}
	}
	return rules.Spec{}, false
}

var auxTools = map[string][2]string{
	"bibtex":    {".aux", ".bbl"},
	"biber":     {".bcf", ".bbl"},
	"makeindex": {".idx", ".ind"},
}

// AuxRule returns the bibliography or index rule of tool for base.
func (b *Builder) AuxRule(tool, base string) (rules.Spec, bool) {
	ext, ok := auxTools[tool]
	if !ok {
		return rules.Spec{}, false
	}
	cmd, err := b.M.Command(tool)
	if err != nil {
		return rules.Spec{}, false
	}
	return rules.Spec{
		ID: tool + " " + base, Kind: rules.KindExternal, Stage: rules.StagePre,
		Command: cmd, Source: base + ext[0], Dest: base + ext[1], Base: base,
	}, true
}

// CustomDependency returns the conversion rule that makes path, when a
// declared dependency's source file exists.
func (b *Builder) CustomDependency(path string) (rules.Spec, bool) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return rules.Spec{}, false
	}
	base := strings.TrimSuffix(path, "."+ext)
	for _, cd := range b.M.CustomDependencies {
		if cd.To != ext {
			continue
		}
		from := base + "." + cd.From
		if !b.exists(from) {
			continue
		}
		return b.cusdep(cd, base), true
	}
	return rules.Spec{}, false
}

func (b *Builder) cusdep(cd CustomDependency, base string) rules.Spec {
	return rules.Spec{
		ID:   "cusdep " + cd.From + " " + cd.To + " " + base,
		Kind: rules.KindCustomDependency, Stage: rules.StagePre,
		Command: cd.Command, Source: base + "." + cd.From, Dest: base + "." + cd.To, Base: base,
	}
}

// FromID rebuilds the spec of a dynamically created rule from its id, as
// found in a state file.
func (b *Builder) FromID(id string) (rules.Spec, bool) {
	tool, rest, ok := strings.Cut(id, " ")
	if !ok || rest == "" {
		return rules.Spec{}, false
	}
	if tool != "cusdep" {
		return b.AuxRule(tool, rest)
	}
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 {
		return rules.Spec{}, false
	}
	for _, cd := range b.M.CustomDependencies {
		if cd.From == parts[0] && cd.To == parts[1] {
			return b.cusdep(cd, parts[2]), true
		}
	}
	return rules.Spec{}, false
}

func (b *Builder) exists(p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.Dir, p)
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
