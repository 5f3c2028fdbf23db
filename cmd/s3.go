package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/tafim/internal/downloaders/s3"
	"github.com/tanq16/tafim/internal/utils"
)

func newS3Cmd() *cobra.Command {
	var outputPath string
	var profile string

	cmd := &cobra.Command{
		Use:   "s3 [BUCKET/KEY or s3://BUCKET/KEY]",
		Short: "Download an object from AWS S3",
		Long: `Download an object from AWS S3 through a presigned link, with the same
parallel ranged transfer and resume support as the http command.

Examples:
  tafim s3 mybucket/path/to/file.zip
  tafim s3 s3://mybucket/file.zip --profile myprofile`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			if !strings.HasPrefix(source, "s3://") {
				source = "s3://" + source
			}
			if _, _, err := s3.ParseS3URL(source); err != nil {
				return err
			}
			job := newJob("s3", source, outputPath, 1)
			job.Metadata["profile"] = profile
			return runJobs([]utils.TafimJob{job})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&profile, "profile", "", "AWS profile to use (default credential chain if empty)")
	return cmd
}
