package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/tafim/internal/utils"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download a file via HTTP/HTTPS",
		Long: `Download a file via HTTP/HTTPS using parallel ranged connections.

An interrupted download keeps its progress next to the output file and
resumes when the same command is run again.

Examples:
  tafim http https://example.com/big.iso
  tafim http https://example.com/big.iso -o ~/Downloads/ -c 16`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := newJob("http", args[0], outputPath, 1)
			return runJobs([]utils.TafimJob{job})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file or directory (file name inferred if not provided)")
	return cmd
}
