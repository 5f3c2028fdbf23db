package ghrelease

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var assetSelectMap = map[string][]string{
	"linuxamd64":   {"linux-amd64", "linux_amd64", "linux-x86_64", "linux-x86-64", "linux_x86_64", "linux_x86-64", "amd64-linux", "x86_64-linux", "x86-64-linux", "amd64_linux", "x86_64_linux", "x86-64_linux"},
	"linuxarm64":   {"linux-arm64", "linux_arm64", "linux-aarch64", "linux_aarch64", "arm64-linux", "aarch64-linux", "arm64_linux", "aarch64_linux"},
	"windowsamd64": {"windows-amd64", "windows_amd64", "windows-x86_64", "windows-x86-64", "windows_x86_64", "windows_x86-64", "amd64-windows", "x86_64-windows", "x86-64-windows", "amd64_windows", "x86_64_windows", "x86-64_windows"},
	"windowsarm64": {"windows-arm64", "windows_arm64", "windows-aarch64", "windows_aarch64", "arm64-windows", "aarch64-windows", "arm64_windows", "aarch64_windows"},
	"darwinamd64":  {"darwin-amd64", "darwin_amd64", "darwin-x86_64", "darwin-x86-64", "darwin_x86_64", "darwin_x86-64", "amd64-darwin", "x86_64-darwin", "x86-64-darwin", "amd64_darwin", "x86_64_darwin", "x86-64_darwin"},
	"darwinarm64":  {"darwin-arm64", "darwin_arm64", "darwin-aarch64", "darwin_aarch64", "arm64-darwin", "aarch64-darwin", "arm64_darwin", "aarch64_darwin"},
}

var repoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/?.*$`),
	regexp.MustCompile(`^github\.com/([^/]+)/([^/]+)/?.*$`),
	regexp.MustCompile(`^([^/]+)/([^/]+)$`),
}

var ignoredAssets = []string{
	"license", "readme", "changelog", "checksums", "sha256checksum", ".sha256", ".sig", ".pem",
}

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"browser_download_url"`
}

// ParseGitHubURL accepts owner/repo, github.com/owner/repo or a full
// https://github.com URL.
func ParseGitHubURL(url string) (string, string, error) {
	url = strings.TrimSuffix(strings.TrimSpace(url), "/")
	for _, pattern := range repoPatterns {
		matches := pattern.FindStringSubmatch(url)
		if len(matches) >= 3 {
			return matches[1], strings.TrimSuffix(matches[2], ".git"), nil
		}
	}
	return "", "", fmt.Errorf("invalid GitHub repository format: %s", url)
}

func (r *Resolver) latestRelease(ctx context.Context, owner, repo string) (*release, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", r.apiBase, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating API request: %v", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making API request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status code: %d", resp.StatusCode)
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("error decoding API response: %v", err)
	}
	if len(rel.Assets) == 0 {
		return nil, fmt.Errorf("no assets found in release %s", rel.TagName)
	}
	return &rel, nil
}

// selectAsset picks the asset whose name contains filter, or without a filter
// the first non-auxiliary asset built for goos/goarch.
func selectAsset(assets []asset, filter, goos, goarch string) (asset, bool) {
	filter = strings.ToLower(filter)
	for _, a := range assets {
		nameLower := strings.ToLower(a.Name)
		if filter != "" {
			if strings.Contains(nameLower, filter) {
				return a, true
			}
			continue
		}
		if isIgnored(nameLower) {
			continue
		}
		for _, key := range assetSelectMap[goos+goarch] {
			if strings.Contains(nameLower, key) {
				return a, true
			}
		}
	}
	return asset{}, false
}

func isIgnored(nameLower string) bool {
	for _, ignored := range ignoredAssets {
		if strings.Contains(nameLower, ignored) {
			return true
		}
	}
	return false
}
