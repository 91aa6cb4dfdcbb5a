package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a schematic or photo and print its artifact id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			up, err := newRemoteClient(serverURL).Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "artifact: %s\n", up.ArtifactID)
			fmt.Fprintf(out, "type:     %s\n", up.MediaType)
			fmt.Fprintf(out, "size:     %d bytes\n", up.Size)
			fmt.Fprintf(out, "path:     %s\n", up.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServer, "hydrodiag-ai server URL")
	return cmd
}
