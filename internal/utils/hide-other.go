//go:build !windows

package utils

// Dot-prefixed directories are already hidden.
func hideDir(dir string) {}
