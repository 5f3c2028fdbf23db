package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/tafim/internal/output"
	"github.com/tanq16/tafim/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_PATH or DIRECTORY]",
		Short: "Clean up temporary files of interrupted downloads",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) > 0 {
				target = args[0]
			}
			if err := utils.Clean(target); err != nil {
				output.PrintError("Error cleaning up temporary files")
				return err
			}
			output.PrintSuccess("Temporary files cleaned up")
			return nil
		},
	}
}
