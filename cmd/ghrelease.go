package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/tafim/internal/downloaders/ghrelease"
	"github.com/tanq16/tafim/internal/utils"
)

func newGHReleaseCmd() *cobra.Command {
	var outputPath string
	var asset string

	cmd := &cobra.Command{
		Use:     "ghrelease [OWNER/REPO or GITHUB_URL]",
		Aliases: []string{"ghr"},
		Short:   "Download an asset of the latest GitHub release",
		Long: `Download an asset of a repository's latest GitHub release. Without --asset
the build for the current platform is picked.

Examples:
  tafim ghrelease junegunn/fzf
  tafim ghr https://github.com/cli/cli --asset linux_arm64.tar.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := ghrelease.ParseGitHubURL(args[0]); err != nil {
				return err
			}
			job := newJob("ghrelease", args[0], outputPath, 1)
			job.Metadata["asset"] = asset
			return runJobs([]utils.TafimJob{job})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&asset, "asset", "", "Pick the asset whose name contains this text")
	return cmd
}
