package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"robotrelay/internal/detection"
)

const timestampLayout = "2006-01-02_15-04_05.000"

// DiskSink writes snapshots as JPEG files into a directory.
type DiskSink struct {
	Dir string
}

// Put writes <timestamp>_<client>_<objects>.jpg and returns its path.
func (d DiskSink) Put(_ context.Context, snap Snapshot) (string, error) {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	fullpath := filepath.Join(d.Dir, FileName(snap))
	if err := os.WriteFile(fullpath, snap.Image, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", fullpath, err)
	}
	return fullpath, nil
}

// FileName builds the snapshot file name from its timestamp, client and detected classes.
func FileName(snap Snapshot) string {
	objects := lo.Uniq(lo.Map(snap.Detections, func(d detection.Detection, _ int) string {
		return d.ClassName
	}))
	return fmt.Sprintf("%s_%s_%s.jpg", snap.Timestamp.UTC().Format(timestampLayout), sanitize(snap.ClientID), strings.Join(objects, "_"))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, name)
}
