package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/testmind-dev/tmrun/internal/config"
	"github.com/testmind-dev/tmrun/internal/presentation"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the tmrun configuration",
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a value in the config file",
	Example: "  tmrun config set runner.base_url http://localhost:4173\n  tmrun config set flags.live_preview false",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", args[0], path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := presentation.ParseFormat(configOutput)
		if err != nil {
			return err
		}
		if format == presentation.FormatTable {
			format = presentation.FormatYAML
		}
		return presentation.NewFormatter(cmd.OutOrStdout(), format).FormatValue(redactedSettings(viper.AllSettings()))
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), configPath())
		return err
	},
}

var configOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd, configShowCmd, configPathCmd)

	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", "yaml", "output format: yaml or json")
}

func redactedSettings(settings map[string]any) map[string]any {
	if section, ok := settings["secrets"].(map[string]any); ok {
		if key, _ := section["key"].(string); key != "" {
			section["key"] = "********"
		}
	}
	return settings
}
