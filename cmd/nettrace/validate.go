package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/httpseal/nettrace/pkg/har"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a HAR 1.2 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := har.Validate(data); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			archive, err := har.Decode(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid HAR %s (%d entries)\n",
				args[0], archive.Log.Version, len(archive.Log.Entries))
			return nil
		},
	}
}
