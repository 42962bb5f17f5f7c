package main

import (
	"github.com/spf13/cobra"

	"autoplan/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), buildinfo.Info())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
