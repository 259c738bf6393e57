package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/papapumpkin/quire/internal/config"
	"github.com/papapumpkin/quire/internal/manifest"
)

// outputFlags maps format flags to the formats they request, in the order
// they are applied.
var outputFlags = []struct {
	name   string
	format manifest.Format
	usage  string
}{
	{"pdf", manifest.FormatPDF, "produce PDF directly from the compiler"},
	{"dvi", manifest.FormatDVI, "produce DVI"},
	{"ps", manifest.FormatPS, "produce PostScript from DVI"},
	{"pdfdvi", manifest.FormatPDFDVI, "produce PDF by way of DVI"},
	{"pdfps", manifest.FormatPDFPS, "produce PDF by way of DVI and PostScript"},
}

func addOutputFlags(fs *pflag.FlagSet) {
	for _, f := range outputFlags {
		fs.Bool(f.name, false, f.usage)
	}
	fs.Bool("lualatex", false, "use lualatex for PDF output")
	fs.Bool("xelatex", false, "use xelatex for PDF output")
	fs.Int("max-passes", 0, "override the maximum runs of one rule per build")
}

func addBuildFlags(fs *pflag.FlagSet) {
	fs.BoolP("force", "g", false, "run every rule once even if up to date")
	fs.Bool("continuous", false, "keep rebuilding as sources change")
}

// applyFlagOverrides applies CLI flag values to the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	var formats []string
	for _, f := range outputFlags {
		if v, _ := cmd.Flags().GetBool(f.name); v {
			formats = append(formats, string(f.format))
		}
	}
	if len(formats) > 0 {
		cfg.Output.Formats = formats
	}
	if v, _ := cmd.Flags().GetBool("lualatex"); v {
		cfg.Output.Engine = string(manifest.EngineLuaLaTeX)
	}
	if v, _ := cmd.Flags().GetBool("xelatex"); v {
		cfg.Output.Engine = string(manifest.EngineXeLaTeX)
	}
	if v, _ := cmd.Flags().GetInt("max-passes"); v > 0 {
		cfg.MaxPasses = v
	}
	if v, _ := cmd.Flags().GetBool("continuous"); v {
		cfg.Continuous = true
	}
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		cfg.Verbose = true
	}
}
