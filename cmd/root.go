package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "quire [file.tex]",
	Short: "Incremental rebuilds of LaTeX documents",
	Long: `Quire runs the compiler, bibliography and index tools and format converters
of a document as often as needed, and no more: it records what every run
read and wrote, compares file contents, and stops once nothing changes.

Without a subcommand it builds the document, like "quire build".`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runBuild,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default .quire.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	addOutputFlags(rootCmd.PersistentFlags())
	addBuildFlags(rootCmd.Flags())
}

func initConfig() {
	// A .env next to the document may carry QUIRE_* settings.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".quire")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("QUIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}
