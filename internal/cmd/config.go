package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and FLOTILLA_*
environment variables are merged. Paths are shown resolved.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	if cc.Format == "json" {
		// round-trip through yaml so keys match the config file
		raw, err := yaml.Marshal(cc.Config)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return err
		}
		return cc.Print(doc)
	}

	out := cc.Out
	if cc.ConfigFile != "" {
		fmt.Fprintf(out, "# %s\n", cc.ConfigFile)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cc.Config); err != nil {
		return err
	}
	return enc.Close()
}
