// diagctl is the command-line companion of the hydrodiag-ai service: chat
// with a running server or an in-process engine, upload schematics, and
// lint or export knowledge bases.
//
// Usage:
//
//	diagctl chat [--server=<url>] [--session=<id>] [--offline] [-m <text>]...
//	diagctl upload <file> [--server=<url>]
//	diagctl kb lint [--dir=<path>] [--strict]
//	diagctl kb export [--dir=<path>] [--format=yaml|json] [-o <dir>]
//	diagctl version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "diagctl",
		Short: "Hydraulic fault diagnosis from the command line",
		Long:  "diagctl talks to a hydrodiag-ai server, or runs the diagnostic engine\nin-process, and maintains knowledge base files.",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	root.AddCommand(newChatCmd())
	root.AddCommand(newUploadCmd())
	root.AddCommand(newKBCmd())
	root.AddCommand(newVersionCmd())
	root.Version = version
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the diagctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "diagctl %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
