package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to a log file and rotates it daily and when it
// exceeds maxBytes. Rotated files are renamed to <stem>.YYYY-MM-DD.log;
// archives older than maxDays are deleted.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxDays  int

	file    *os.File
	size    int64
	openDay string // YYYY-MM-DD the current file was opened on
	now     func() time.Time
}

func NewRotatingWriter(path string, maxSizeMb, maxDays int) (*RotatingWriter, error) {
	if maxSizeMb <= 0 {
		maxSizeMb = 50
	}
	w := &RotatingWriter{
		path:     path,
		maxBytes: int64(maxSizeMb) * 1024 * 1024,
		maxDays:  maxDays,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	w.openDay = w.now().UTC().Format("2006-01-02")
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().UTC().Format("2006-01-02")
	if day != w.openDay || w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rotate() error {
	w.file.Close()

	stem := strings.TrimSuffix(w.path, filepath.Ext(w.path))
	archive := fmt.Sprintf("%s.%s.log", stem, w.openDay)
	// Same-day size rotation: keep numbering archives instead of clobbering.
	for i := 1; ; i++ {
		if _, err := os.Stat(archive); os.IsNotExist(err) {
			break
		}
		archive = fmt.Sprintf("%s.%s.%d.log", stem, w.openDay, i)
	}
	if err := os.Rename(w.path, archive); err != nil && !os.IsNotExist(err) {
		return err
	}

	w.pruneArchives(stem)
	return w.open()
}

// pruneArchives removes archives older than maxDays.
func (w *RotatingWriter) pruneArchives(stem string) {
	if w.maxDays <= 0 {
		return
	}
	cutoff := w.now().UTC().AddDate(0, 0, -w.maxDays)
	matches, err := filepath.Glob(stem + ".*.log")
	if err != nil {
		return
	}
	base := filepath.Base(stem)
	for _, m := range matches {
		name := filepath.Base(m)
		rest := strings.TrimSuffix(strings.TrimPrefix(name, base+"."), ".log")
		datePart := rest
		if i := strings.IndexByte(rest, '.'); i > 0 {
			datePart = rest[:i]
		}
		day, err := time.Parse("2006-01-02", datePart)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(m)
		}
	}
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
