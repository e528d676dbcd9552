package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// NoLogs is returned by Logs when neither the log file nor the journal has output.
const NoLogs = "No logs available"

const tailChunk = 8 * 1024

// Logs returns the last n lines of the process log, falling back to the
// systemd journal. It never fails.
func (s *Supervisor) Logs(ctx context.Context, n int) string {
	if n <= 0 {
		n = 100
	}
	if lines, err := tailFile(s.LogPath(), n); err == nil {
		return strings.Join(lines, "\n")
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("read process log failed", "path", s.LogPath(), "error", err)
	}

	out, err := s.run(ctx, "journalctl", "-u", "openclaw", "--no-pager", "-n", strconv.Itoa(n))
	if err == nil {
		if text := strings.TrimSpace(string(out)); text != "" {
			return text
		}
	}
	return NoLogs
}

// tailFile reads backwards from the end of path until it has n lines.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(tailChunk)
		if offset < step {
			step = offset
		}
		offset -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		buf = append(chunk, buf...)
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// FollowLogs streams lines appended to the process log until ctx is done.
// Truncation or re-creation of the file restarts reading from the top.
func (s *Supervisor) FollowLogs(ctx context.Context) (<-chan string, error) {
	path := s.LogPath()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create log watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	f := &follower{path: path}
	f.open(true)

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer w.Close()
		defer f.close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				switch {
				case ev.Has(fsnotify.Create):
					f.close()
					f.open(false)
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					f.close()
					continue
				}
				for _, line := range f.readNew() {
					select {
					case out <- line:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("log watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

type follower struct {
	path    string
	file    *os.File
	offset  int64
	partial string
}

func (f *follower) open(atEnd bool) {
	file, err := os.Open(f.path)
	if err != nil {
		return
	}
	f.file = file
	f.offset = 0
	f.partial = ""
	if atEnd {
		if info, err := file.Stat(); err == nil {
			f.offset = info.Size()
		}
	}
}

func (f *follower) close() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

func (f *follower) readNew() []string {
	if f.file == nil {
		f.open(false)
		if f.file == nil {
			return nil
		}
	}
	if info, err := f.file.Stat(); err == nil && info.Size() < f.offset {
		f.offset = 0
		f.partial = ""
	}
	if _, err := f.file.Seek(f.offset, io.SeekStart); err != nil {
		return nil
	}
	var lines []string
	r := bufio.NewReader(f.file)
	for {
		chunk, err := r.ReadString('\n')
		f.offset += int64(len(chunk))
		if err != nil {
			f.partial += chunk
			break
		}
		lines = append(lines, strings.TrimRight(f.partial+chunk, "\r\n"))
		f.partial = ""
	}
	return lines
}
