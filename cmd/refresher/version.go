package main

import (
	"fmt"
	"runtime/debug"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the build and vcs information of the binary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "refresher: build info not available")
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
		for _, row := range versionRows(info) {
			fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
		}
		return tw.Flush()
	},
}

func versionRows(info *debug.BuildInfo) [][2]string {
	rows := [][2]string{
		{"refresher", info.Main.Version},
		{"go", info.GoVersion},
	}
	vcs := map[string]string{
		"vcs.revision": "commit",
		"vcs.time":     "date",
		"vcs.modified": "dirty",
	}
	for _, s := range info.Settings {
		if label, ok := vcs[s.Key]; ok {
			rows = append(rows, [2]string{label, s.Value})
		}
	}
	if configPath != "" {
		rows = append(rows, [2]string{"config", configPath})
	}
	return rows
}
