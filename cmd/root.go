package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"sitevault/internal/application"
	"sitevault/internal/config"
	"sitevault/internal/display"
	appErrors "sitevault/internal/errors"
	"sitevault/internal/logging"

	"github.com/spf13/cobra"
)

// annotationNoConfig marks commands that run without loading a configuration
const annotationNoConfig = "sitevault/no-config"

// errReported is returned once a command has already printed its failure
var errReported = errors.New("command failed")

// Global flags
var (
	cfgFile      string
	envFile      string
	storePath    string
	outputFormat string
	theme        string
	noColor      bool
	verbose      bool
	quiet        bool
)

// Set by setup before any command runs
var (
	cfg   *config.Config
	out   *display.Service
	stdin io.Reader
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sitevault",
	Short: "Full-site backup and restore for learning platforms",
	Long: `sitevault backs up a learning platform site (its database and data root)
into chunked archives on local disk, S3, Azure Blob Storage or Google Cloud
Storage, and restores them into a freshly installed site.

Backups, restores, dry-runs and checks are recorded as operations. Each one
gets an access key that can be used to follow it with 'sitevault status' or
over HTTP while 'sitevault serve' is running.

Examples:
  # Write a configuration template and edit it
  sitevault config init sitevault.yaml

  # Back up the site now
  sitevault backup

  # Check a backup can be restored here without changing anything
  sitevault dryrun 20240301T100000Z-4f1c/manifest.json

  # Restore it
  sitevault restore 20240301T100000Z-4f1c/manifest.json

  # Run the scheduler and the progress endpoint
  sitevault serve --config /etc/sitevault/sitevault.yaml`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			if out == nil {
				out = display.New(display.DefaultConfig())
			}
			out.Error(err.Error())
			for _, hint := range application.Hints(appErrors.GetErrorType(err)) {
				out.Info(hint)
			}
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default searches ./sitevault.yaml, $HOME/.config/sitevault, /etc/sitevault)")
	flags.StringVar(&envFile, "env-file", ".env", "file of KEY=value pairs loaded into the environment")
	flags.StringVar(&storePath, "store", "", "operation store path (overrides operations.store_path)")
	flags.StringVar(&outputFormat, "format", "table", "output format (table, json, yaml)")
	flags.StringVar(&theme, "theme", "dark", "color theme (dark, light)")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	rootCmd.SetUsageTemplate(getUsageTemplate())
}

// setup builds the display and loads the configuration
func setup(cmd *cobra.Command, args []string) error {
	if verbose && quiet {
		return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
	}
	format := display.OutputFormat(outputFormat)
	if !format.IsValid() {
		return appErrors.NewAppError(appErrors.ErrorTypeValidation,
			fmt.Sprintf("invalid output format %q, must be one of: table, json, yaml", outputFormat), nil)
	}
	stdin = cmd.InOrStdin()
	out = display.New(&display.Config{
		Format: format,
		Color:  !noColor && display.DetectColorSupport(),
		Theme:  theme,
		Quiet:  quiet,
		Writer: cmd.OutOrStdout(),
	})

	if cmd.Annotations[annotationNoConfig] == "true" {
		return nil
	}

	loader := config.NewLoader(envFile, nil)
	if f := cmd.Root().PersistentFlags().Lookup("store"); f.Changed {
		if err := loader.Viper().BindPFlag("operations.store_path", f); err != nil {
			return err
		}
	}
	loaded, err := loader.Load(cfgFile)
	if err != nil {
		return appErrors.NewAppError(appErrors.ErrorTypeValidation, "configuration error", err)
	}
	switch {
	case verbose:
		loaded.Logging.Level = string(logging.LogLevelVerbose)
	case quiet:
		loaded.Logging.Level = string(logging.LogLevelQuiet)
	}
	cfg = loaded
	return nil
}

// runWithApp opens an application for the command and reports its failure
// with troubleshooting hints
func runWithApp(fn func(ctx context.Context, app *application.Application, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := application.New(cfg, application.WithDisplay(out))
		if err != nil {
			return err
		}
		defer app.Close()

		if err := fn(cmd.Context(), app, args); err != nil {
			app.HandleError(err)
			return errReported
		}
		return nil
	}
}

func noConfig() map[string]string {
	return map[string]string{annotationNoConfig: "true"}
}

// getUsageTemplate returns a custom usage template with configuration notes
func getUsageTemplate() string {
	return `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}

Configuration:
  Settings are read from the YAML file, then from the --env-file, then from
  SITEVAULT_* environment variables, each overriding the previous one.
  List every variable with: sitevault config env

  SITEVAULT_DATABASE_PASSWORD=secret
  SITEVAULT_STORAGE_PROVIDER=s3
  SITEVAULT_STORAGE_PASSPHRASE=encrypt-segments-with-this
`
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version information",
	Annotations: noConfig(),
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "sitevault version %s\n", version)
		fmt.Fprintf(w, "Built: %s\n", buildTime)
		fmt.Fprintf(w, "Commit: %s\n", gitCommit)
		fmt.Fprintf(w, "Go version: %s\n", goVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
