package ingest

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/paperbase/paperbase/internal/rag"
)

// DefaultIgnorePatterns are common directories and files to skip.
var DefaultIgnorePatterns = []string{
	".git",
	".paperbase",
	"node_modules",
	"__pycache__",
	".DS_Store",
	".idea",
	".vscode",
}

// textExtensions are the file types the scanner treats as ingestible
// documents.
var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".rst":      true,
	".text":     true,
}

// Scanner discovers ingestible documents under a root directory,
// honoring .paperignore patterns.
type Scanner struct {
	root    string
	matcher gitignore.IgnoreParser
}

// NewScanner creates a scanner for the given directory. Ignore patterns
// come from the built-in defaults plus a .paperignore file at the root,
// if present.
func NewScanner(root string) (*Scanner, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", root, err)
	}

	patterns := append([]string(nil), DefaultIgnorePatterns...)
	if lines, err := readIgnoreLines(filepath.Join(root, ".paperignore")); err == nil {
		patterns = append(patterns, lines...)
	}

	return &Scanner{
		root:    root,
		matcher: gitignore.CompileIgnoreLines(patterns...),
	}, nil
}

// readIgnoreLines reads patterns from an ignore file, skipping blanks
// and comments.
func readIgnoreLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Ignored reports whether a path relative to the scan root is excluded.
func (s *Scanner) Ignored(relPath string) bool {
	return s.matcher.MatchesPath(relPath)
}

// Ingestible reports whether the file type is one the scanner ingests.
func (s *Scanner) Ingestible(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}

// Scan returns the relative paths of all ingestible documents under the
// root.
func (s *Scanner) Scan() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Continue walking
		}
		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		if s.matcher.MatchesPath(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if s.Ingestible(path) {
			paths = append(paths, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", s.root, err)
	}
	return paths, nil
}

// Report summarizes a bulk ingestion run.
type Report struct {
	Added   int
	Failed  int
	Skipped int
}

// IngestAll scans the root and adds every discovered document to the
// engine. Failures are isolated per file; one broken document never
// stops the run. Documents already present (same filename, processed)
// are skipped.
func (s *Scanner) IngestAll(ctx context.Context, m *rag.Manager) (Report, error) {
	paths, err := s.Scan()
	if err != nil {
		return Report{}, err
	}

	existing, err := m.Store().ListDocuments(ctx)
	if err != nil {
		return Report{}, err
	}
	processed := make(map[string]bool, len(existing))
	for _, doc := range existing {
		if doc.Status == rag.StatusProcessed {
			processed[doc.Filename] = true
		}
	}

	var report Report
	for _, relPath := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if processed[relPath] {
			report.Skipped++
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, relPath))
		if err != nil {
			log.Printf("⚠️  Failed to read %s: %v", relPath, err)
			report.Failed++
			continue
		}

		if _, err := m.AddDocument(ctx, relPath, rag.TitleFromFilename(relPath), string(data)); err != nil {
			log.Printf("⚠️  Failed to ingest %s: %v", relPath, err)
			report.Failed++
			continue
		}
		report.Added++
	}

	log.Printf("📚 Ingested %d documents (%d failed, %d skipped)", report.Added, report.Failed, report.Skipped)
	return report, nil
}
