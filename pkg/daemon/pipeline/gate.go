// Package pipeline implements the per-file scan flow: the submission
// gate that filters monitor candidates, and the worker body that scans,
// quarantines, or locks down each dequeued path.
package pipeline

import (
	"os"
	"path/filepath"
	"strings"
)

// Gate filters candidate paths before they reach the work queue. Gating
// happens before Submit so junk never occupies queue slots.
type Gate struct {
	quarantineRoot    string
	transientPatterns []string
	minSize           int64
	maxSize           int64
}

// NewGate builds a submission gate. quarantineRoot is excluded wholesale
// so the daemon never scans its own isolation area.
func NewGate(quarantineRoot string, transientPatterns []string, minSize, maxSize int64) *Gate {
	return &Gate{
		quarantineRoot:    quarantineRoot,
		transientPatterns: transientPatterns,
		minSize:           minSize,
		maxSize:           maxSize,
	}
}

// Allow reports whether the path should be submitted for scanning.
func (g *Gate) Allow(path string) bool {
	if g.underQuarantineRoot(path) {
		return false
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	for _, pattern := range g.transientPatterns {
		if strings.Contains(path, pattern) {
			return false
		}
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() < g.minSize || info.Size() > g.maxSize {
		return false
	}
	return true
}

func (g *Gate) underQuarantineRoot(path string) bool {
	if path == g.quarantineRoot {
		return true
	}
	return strings.HasPrefix(path, g.quarantineRoot+string(filepath.Separator))
}
