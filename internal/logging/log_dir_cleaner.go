package logging

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanerInterval = time.Minute

// logDirCleaner trims a log directory to a byte budget, oldest files first.
// The file currently written by lumberjack is never removed.
type logDirCleaner struct {
	dir       string
	maxBytes  int64
	protected string
}

type logFileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

var logDirCleanerCancel context.CancelFunc

// configureLogDirCleanerLocked restarts the background cleaner. Callers hold writerMu.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}

	cleaner := &logDirCleaner{
		dir:      filepath.Clean(dir),
		maxBytes: int64(maxTotalSizeMB) << 20,
	}
	if p := strings.TrimSpace(protectedPath); p != "" {
		cleaner.protected = filepath.Clean(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logDirCleanerCancel = cancel
	go cleaner.run(ctx)
}

func stopLogDirCleanerLocked() {
	if logDirCleanerCancel == nil {
		return
	}
	logDirCleanerCancel()
	logDirCleanerCancel = nil
}

func (c *logDirCleaner) run(ctx context.Context) {
	ticker := time.NewTicker(logDirCleanerInterval)
	defer ticker.Stop()

	for {
		deleted, err := c.enforce()
		switch {
		case err != nil:
			log.WithError(err).Warn("logging: failed to enforce log directory size limit")
		case deleted > 0:
			log.Debugf("logging: removed %d old log file(s) to enforce log directory size limit", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// enforce removes the oldest log files until the directory fits maxBytes.
// It returns the number of files removed.
func (c *logDirCleaner) enforce() (int, error) {
	if c.maxBytes <= 0 {
		return 0, nil
	}
	files, total, err := c.scan()
	if err != nil || total <= c.maxBytes {
		return 0, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, f := range files {
		if total <= c.maxBytes {
			break
		}
		if f.path == c.protected {
			continue
		}
		if errRemove := os.Remove(f.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file: %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		deleted++
	}
	return deleted, nil
}

func (c *logDirCleaner) scan() ([]logFileInfo, int64, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var (
		files []logFileInfo
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFileInfo{
			path:    filepath.Join(c.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return files, total, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
