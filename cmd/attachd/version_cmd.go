package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/attachd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the attachd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if !verbose {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "module:   %s\n", info.Module)
			fmt.Fprintf(out, "version:  %s\n", info.Version)
			fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
			if info.Revision != "" {
				fmt.Fprintf(out, "revision: %s\n", info.Revision)
				fmt.Fprintf(out, "modified: %t\n", info.Modified)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include build details")
	return cmd
}
