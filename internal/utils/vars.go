package utils

import (
	"errors"
	"regexp"
)

const DefaultSegmentSize = 1024 * 1024    // 1MB read size per worker
const MergeBufferSize = 10 * 1024 * 1024  // 10MB copy buffer while merging parts
const TempDirName = ".tafim_tmp"          // hidden per-directory temp storage
const StateFileName = "state.yaml"        // resumable state record inside a job's temp dir
const DefaultFileName = "downloaded_file" // used when neither URL nor server names the file
const ToolUserAgent = "tafim/1.0"         // fixed outbound identity
const HighThreadModeThreshold = 8         // connections above this enable tuned sockets

var ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
var ErrJobPaused = errors.New("job paused")
var PartIndexRegex = regexp.MustCompile(`^part(\d+)$`)
var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// Local-only User-Agent list
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"curl/7.88.1",
	"Wget/1.21.4",
}
