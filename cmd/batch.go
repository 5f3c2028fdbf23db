package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/tafim/internal/utils"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
	Profile    string `yaml:"profile,omitempty"`
	Asset      string `yaml:"asset,omitempty"`
}

// BatchFile groups entries by job type:
//
//	http:
//	  - link: https://example.com/a.iso
//	    op: isos/
//	s3:
//	  - link: mybucket/b.tar
//	    profile: work
//	ghrelease:
//	  - link: owner/repo
//	    asset: linux-amd64
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("error reading YAML file: %w", err)
			}
			var batchFile BatchFile
			if err := yaml.Unmarshal(data, &batchFile); err != nil {
				return fmt.Errorf("error parsing YAML file: %w", err)
			}
			entries := countEntries(batchFile)
			jobs := buildJobsFromBatch(batchFile, func(jobType, link, outputPath string) utils.TafimJob {
				return newJob(jobType, link, outputPath, entries)
			})
			if len(jobs) == 0 {
				return fmt.Errorf("no valid jobs found in %s", args[0])
			}
			return runJobs(jobs)
		},
	}
	return cmd
}

func countEntries(batchFile BatchFile) int {
	n := 0
	for _, entries := range batchFile {
		n += len(entries)
	}
	return n
}

func buildJobsFromBatch(batchFile BatchFile, build func(jobType, link, outputPath string) utils.TafimJob) []utils.TafimJob {
	types := make([]string, 0, len(batchFile))
	for jobType := range batchFile {
		types = append(types, jobType)
	}
	sort.Strings(types)

	var jobs []utils.TafimJob
	for _, jobType := range types {
		normalizedType := normalizeJobType(jobType)
		if normalizedType == "" {
			log.Warn().Str("op", "cmd/batch").Msgf("Unknown job type '%s', skipping", jobType)
			continue
		}
		for _, entry := range batchFile[jobType] {
			if entry.Link == "" {
				log.Warn().Str("op", "cmd/batch").Msgf("Empty link found in %s section, skipping", jobType)
				continue
			}
			link := entry.Link
			if normalizedType == "s3" && !strings.HasPrefix(link, "s3://") {
				link = "s3://" + link
			}
			job := build(normalizedType, link, entry.OutputPath)
			switch normalizedType {
			case "s3":
				job.Metadata["profile"] = entry.Profile
			case "ghrelease":
				job.Metadata["asset"] = entry.Asset
			}
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func normalizeJobType(jobType string) string {
	switch strings.ToLower(strings.TrimSpace(jobType)) {
	case "http", "https":
		return "http"
	case "s3", "aws-s3":
		return "s3"
	case "ghrelease", "gh-release", "github-release", "ghr":
		return "ghrelease"
	}
	return ""
}
