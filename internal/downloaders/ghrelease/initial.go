package ghrelease

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	tafimhttp "github.com/tanq16/tafim/internal/downloaders/http"
)

const DefaultAPIBase = "https://api.github.com"

// Resolver maps a GitHub repository to the download link of an asset in its
// latest release.
type Resolver struct {
	client  tafimhttp.Doer
	apiBase string
	filter  string
	goos    string
	goarch  string
}

// NewResolver selects assets by filter (a case-insensitive name substring), or
// for the running platform when filter is empty.
func NewResolver(client tafimhttp.Doer, filter string) *Resolver {
	return &Resolver{
		client:  client,
		apiBase: DefaultAPIBase,
		filter:  filter,
		goos:    runtime.GOOS,
		goarch:  runtime.GOARCH,
	}
}

func (r *Resolver) Resolve(ctx context.Context, source string) (string, error) {
	owner, repo, err := ParseGitHubURL(source)
	if err != nil {
		return "", err
	}
	rel, err := r.latestRelease(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("error fetching release info: %w", err)
	}
	selected, ok := selectAsset(rel.Assets, r.filter, r.goos, r.goarch)
	if !ok {
		if r.filter != "" {
			return "", fmt.Errorf("no asset in %s/%s %s matches %q", owner, repo, rel.TagName, r.filter)
		}
		return "", fmt.Errorf("could not automatically select asset for platform %s/%s, set an asset filter", r.goos, r.goarch)
	}
	log.Debug().Str("op", "ghrelease/initial").Msgf("Selected %s (%d bytes) from %s/%s %s", selected.Name, selected.Size, owner, repo, rel.TagName)
	return selected.DownloadURL, nil
}
