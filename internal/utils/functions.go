package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed renders a bytes-per-second rate.
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return FormatBytes(uint64(bps)) + "/s"
}

func SanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return filenameRegex.ReplaceAllString(name, "_")
}

// FileNameFromURL returns the last path segment of link, or DefaultFileName.
func FileNameFromURL(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return DefaultFileName
	}
	p := parsed.Path
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	name := SanitizeFileName(path.Base(p))
	if name == "" || name == "/" {
		return DefaultFileName
	}
	return name
}

// TempDirFor is the per-destination temp directory. It depends on the
// destination file name only, so a later run finds the same directory.
func TempDirFor(destination string) string {
	return filepath.Join(filepath.Dir(destination), TempDirName, filepath.Base(destination))
}

func StatePathFor(destination string) string {
	return filepath.Join(TempDirFor(destination), StateFileName)
}

func PartPath(tempDir string, index int) string {
	return filepath.Join(tempDir, fmt.Sprintf("part%d", index))
}

// EnsureTempDir creates the job temp directory and hides its parent where the
// platform needs an attribute for that.
func EnsureTempDir(tempDir string) error {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return err
	}
	hideDir(filepath.Dir(tempDir))
	return nil
}

// RemoveAllWithRetry removes dir, retrying while files are still held open.
func RemoveAllWithRetry(dir string, attempts int, delay time.Duration) error {
	return removeWithRetry(dir, attempts, delay, os.RemoveAll)
}

func removeWithRetry(dir string, attempts int, delay time.Duration, remove func(string) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := range attempts {
		if err = remove(dir); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("removing %s after %d attempts: %w", dir, attempts, err)
}

// RemoveEmptyTempRoot drops the .tafim_tmp directory next to destination once
// no job uses it anymore.
func RemoveEmptyTempRoot(destination string) {
	root := filepath.Join(filepath.Dir(destination), TempDirName)
	entries, err := os.ReadDir(root)
	if err == nil && len(entries) == 0 {
		os.Remove(root)
	}
}

// Clean removes temp storage for one destination, or every job's temp storage
// in dir when destination names a directory.
func Clean(destination string) error {
	if info, err := os.Stat(destination); err == nil && info.IsDir() {
		root := filepath.Join(destination, TempDirName)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			return nil
		}
		return os.RemoveAll(root)
	}
	tempDir := TempDirFor(destination)
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(tempDir); err != nil {
		return err
	}
	RemoveEmptyTempRoot(destination)
	return nil
}

// PartSizes reports the on-disk size of every part file in tempDir by index.
func PartSizes(tempDir string) (map[int]int64, error) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, err
	}
	sizes := make(map[int]int64)
	for _, entry := range entries {
		match := PartIndexRegex.FindStringSubmatch(entry.Name())
		if match == nil || entry.IsDir() {
			continue
		}
		index, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		sizes[index] = info.Size()
	}
	return sizes, nil
}
