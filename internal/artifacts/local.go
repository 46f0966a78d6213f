// Package artifacts stores per-page HTML and screenshots keyed by case ID.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Layout names the sub-directories artifacts are written to.
type Layout struct {
	HTMLDir       string
	ScreenshotDir string
}

var (
	// DefaultLayout is used by crawl, resume and retry runs.
	DefaultLayout = Layout{HTMLDir: "html", ScreenshotDir: "screenshots"}
	// ReplacementLayout is used by domain replacement runs.
	ReplacementLayout = Layout{HTMLDir: "html_r1", ScreenshotDir: "screenshots_r1"}
)

// Mirror receives a copy of every saved artifact.
type Mirror interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// LocalStore writes artifacts under a run directory.
type LocalStore struct {
	baseDir string
	layout  Layout
	mirror  Mirror
	logger  *zap.Logger
}

// NewLocal creates the layout directories under baseDir and checks they are writable.
func NewLocal(baseDir string, layout Layout, logger *zap.Logger) (*LocalStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if layout.HTMLDir == "" || layout.ScreenshotDir == "" {
		return nil, fmt.Errorf("artifact layout needs both directories")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	for _, dir := range []string{layout.HTMLDir, layout.ScreenshotDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	testFile := filepath.Join(baseDir, layout.HTMLDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{baseDir: baseDir, layout: layout, logger: logger}, nil
}

// WithMirror returns a store that also uploads every artifact to m.
func (s *LocalStore) WithMirror(m Mirror) *LocalStore {
	clone := *s
	clone.mirror = m
	return &clone
}

// HTMLPath returns where the HTML for caseID lives.
func (s *LocalStore) HTMLPath(caseID string) string {
	return filepath.Join(s.baseDir, s.layout.HTMLDir, caseID+".html")
}

// ScreenshotPath returns where the screenshot for caseID lives.
func (s *LocalStore) ScreenshotPath(caseID string) string {
	return filepath.Join(s.baseDir, s.layout.ScreenshotDir, caseID+".png")
}

// SaveHTML implements crawler.ArtifactStore.
func (s *LocalStore) SaveHTML(ctx context.Context, caseID string, html []byte) error {
	return s.put(ctx, path.Join(s.layout.HTMLDir, caseID+".html"), "text/html; charset=utf-8", html)
}

// SaveScreenshot implements crawler.ArtifactStore.
func (s *LocalStore) SaveScreenshot(ctx context.Context, caseID string, png []byte) error {
	return s.put(ctx, path.Join(s.layout.ScreenshotDir, caseID+".png"), "image/png", png)
}

// LoadHTML implements crawler.ArtifactStore. The error wraps fs.ErrNotExist
// when nothing was saved for caseID.
func (s *LocalStore) LoadHTML(_ context.Context, caseID string) ([]byte, error) {
	full, err := s.resolve(path.Join(s.layout.HTMLDir, caseID+".html"))
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- resolve keeps the path inside baseDir.
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("load html %s: %w", caseID, err)
	}
	return data, nil
}

func (s *LocalStore) resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func (s *LocalStore) put(ctx context.Context, rel, contentType string, data []byte) error {
	fullPath, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if s.mirror != nil {
		if uri, err := s.mirror.PutObject(ctx, rel, contentType, bytes.NewReader(data)); err != nil {
			s.logger.Warn("Artifact mirror upload failed", zap.String("path", rel), zap.Error(err))
		} else {
			s.logger.Debug("Artifact mirrored", zap.String("uri", uri))
		}
	}
	return nil
}
