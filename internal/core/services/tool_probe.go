package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

// Package-manager locations a GUI-launched process usually lacks on macOS.
var defaultSearchDirs = []string{
	"/opt/homebrew/bin",
	"/opt/local/bin",
	"/opt/local/sbin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
	"/opt/X11/bin",
}

const versionProbeTimeout = 10 * time.Second

// ToolInfo describes the resolved OCR tool.
type ToolInfo struct {
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// SearchPath merges envPath with the default tool directories, keeping the
// first occurrence of each entry.
func SearchPath(envPath string) string {
	seen := make(map[string]bool)
	var dirs []string
	for _, dir := range append(filepath.SplitList(envPath), defaultSearchDirs...) {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return strings.Join(dirs, string(os.PathListSeparator))
}

// LookPathIn resolves file against searchPath the way a shell would.
func LookPathIn(file, searchPath string) (string, error) {
	if strings.ContainsRune(file, filepath.Separator) {
		if isExecutable(file) {
			return file, nil
		}
		return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
	}
	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, file)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// ProbeTool must succeed before any job is accepted: a missing binary is a
// configuration error. A failing version query is only logged.
func ProbeTool(ctx context.Context, logger *slog.Logger, tool, searchPath string) (ToolInfo, error) {
	path, err := LookPathIn(tool, searchPath)
	if err != nil {
		return ToolInfo{}, fmt.Errorf("%w: %v", domain.ErrToolNotFound, err)
	}
	info := ToolInfo{Path: path}

	vctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(vctx, path, "--version")
	cmd.Env = append(os.Environ(), "PATH="+searchPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Warn("ocr tool version probe failed", "path", path, "error", err)
		return info, nil
	}

	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	info.Version = strings.TrimSpace(string(line))
	logger.Info("ocr tool found", "path", path, "version", info.Version)
	return info, nil
}
