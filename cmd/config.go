package cmd

import (
	"fmt"

	"sitevault/internal/config"

	"github.com/spf13/cobra"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented configuration template",
	Long: `Write a commented configuration template with every setting at its default.

An existing file is kept unless --force is given, in which case it is first
copied to <path>.backup.

Examples:
  sitevault config init
  sitevault config init /etc/sitevault/sitevault.yaml --force`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: noConfig(),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "sitevault.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteTemplate(path, forceInit); err != nil {
			return err
		}
		out.Success(fmt.Sprintf("Configuration template written to %s", path))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = out.Writer().Write(data)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out.Success("Configuration is valid")
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:         "env",
	Short:       "List the environment variables that override settings",
	Args:        cobra.NoArgs,
	Annotations: noConfig(),
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range config.EnvironmentVariables() {
			fmt.Fprintln(out.Writer(), name)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "replace an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd, configEnvCmd)
	rootCmd.AddCommand(configCmd)
}
