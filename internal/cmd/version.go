package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/ux"
	"github.com/felixgeelhaar/flotilla/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := version.GetInfo()
		out := cmd.OutOrStdout()

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			f, err := ux.NewFormatter("json", &ux.FormatterOptions{Writer: out})
			if err != nil {
				return err
			}
			return f.Format(info)
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			return verboseVersion(info).Render(out, ux.NewStyles(true))
		}
		_, err := fmt.Fprintln(out, info.String())
		return err
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "print as JSON")
	versionCmd.Flags().BoolP("verbose", "v", false, "print every build detail")
	rootCmd.AddCommand(versionCmd)
}

type verboseVersion version.Info

func (v verboseVersion) Render(w io.Writer, _ ux.Styles) error {
	_, err := fmt.Fprintf(w, "Version:    %s\nCommit:     %s\nBuilt:      %s\nGo version: %s\nPlatform:   %s\n",
		v.Version, v.Commit, v.Date, v.GoVersion, v.Platform)
	return err
}
