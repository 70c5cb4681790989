// Package sink persists governance events to a size-bounded, append-only
// rotation set of JSONL files.
//
// Retention guarantees:
//   - Events are NEVER split across files
//   - Events are NEVER silently dropped
//   - Rotation renames are atomic per file
//   - Oldest sealed files are deleted first when the count limit is reached
//   - Append-only semantics preserved within each file
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/attestix/ledgercore/pkg/event"
)

// Defaults mirror the retention policy the ledger shipped with.
const (
	DefaultMaxSizeBytes = 50 * 1024 * 1024
	DefaultMaxFileCount = 20
)

// ErrStorageFault reports a durable-storage failure. After a failed rotation
// the sink latches into a failed state and every Write returns this error
// until ClearFault succeeds; partial rotation is never reported as success.
var ErrStorageFault = errors.New("storage fault")

// Options configures a Sink.
type Options struct {
	// Path is the active ledger file, e.g. logs/governance_events.jsonl.
	// Sealed files live alongside it as <Path>.1 ... <Path>.N.
	Path         string
	MaxSizeBytes int64
	MaxFileCount int
	Logger       *slog.Logger
}

// Sink is a single-writer rotating JSONL event writer.
type Sink struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxCount int
	file     *os.File
	size     int64
	failed   bool
	logger   *slog.Logger
}

// New opens (or creates) the active ledger file and restores its size so
// rotation decisions survive process restarts.
func New(opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, errors.New("sink: path is required")
	}
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if opts.MaxFileCount <= 0 {
		opts.MaxFileCount = DefaultMaxFileCount
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Sink{
		path:     opts.Path,
		maxSize:  opts.MaxSizeBytes,
		maxCount: opts.MaxFileCount,
		logger:   opts.Logger.With("component", "sink"),
	}
	if err := s.openActive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) openActive() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("%w: create ledger dir: %v", ErrStorageFault, err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open active file: %v", ErrStorageFault, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: stat active file: %v", ErrStorageFault, err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Write serializes the event and appends it to the active file, rotating
// first if the record would overflow the size bound. The record is flushed
// to durable storage before Write returns success.
func (s *Sink) Write(e event.Event) error {
	line, err := e.Encode()
	if err != nil {
		return err // ErrInvalidRecord: nothing written
	}
	record := append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return fmt.Errorf("%w: sink is in FAILED state after rotation failure", ErrStorageFault)
	}

	if s.size > 0 && s.size+int64(len(record)) > s.maxSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	if _, err := s.file.Write(record); err != nil {
		return fmt.Errorf("%w: append record: %v", ErrStorageFault, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: flush record: %v", ErrStorageFault, err)
	}
	s.size += int64(len(record))
	return nil
}

// Rotate seals the active file and starts a new one. Exposed for operational
// use; Write rotates automatically on overflow.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return fmt.Errorf("%w: sink is in FAILED state", ErrStorageFault)
	}
	return s.rotateLocked()
}

// rotateLocked shifts sealed suffixes upward (highest first, so slot targets
// are always free), renames the active file to suffix 1, and deletes any
// sealed file pushed past the count bound. Any failure latches FAILED.
func (s *Sink) rotateLocked() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.failed = true
			return fmt.Errorf("%w: close active file: %v", ErrStorageFault, err)
		}
		s.file = nil
	}

	sealed, err := s.listSealed()
	if err != nil {
		s.failed = true
		return err
	}

	for i := len(sealed) - 1; i >= 0; i-- {
		idx := sealed[i].index
		old := sealed[i].path
		if idx+1 > s.maxCount {
			if err := os.Remove(old); err != nil {
				s.failed = true
				return fmt.Errorf("%w: delete expired file %s: %v", ErrStorageFault, old, err)
			}
			s.logger.Info("deleted sealed ledger file past retention bound", "path", old)
			continue
		}
		if err := os.Rename(old, s.sealedPath(idx+1)); err != nil {
			s.failed = true
			return fmt.Errorf("%w: shift %s: %v", ErrStorageFault, old, err)
		}
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.sealedPath(1)); err != nil {
			s.failed = true
			return fmt.Errorf("%w: seal active file: %v", ErrStorageFault, err)
		}
		s.logger.Info("sealed ledger file", "path", s.sealedPath(1))
	}

	if err := s.openActive(); err != nil {
		s.failed = true
		return err
	}
	s.size = 0
	return nil
}

// ClearFault re-opens the active file and clears the FAILED latch. It fails
// (and the latch stays set) while storage remains unusable.
func (s *Sink) ClearFault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed {
		return nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := s.openActive(); err != nil {
		return err
	}
	s.failed = false
	return nil
}

// Path returns the active ledger file path.
func (s *Sink) Path() string {
	return s.path
}

// Failed reports whether the sink is latched in the FAILED state.
func (s *Sink) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Close flushes and closes the active file. Further writes fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.failed = true
	return err
}

type sealedFile struct {
	index int
	path  string
}

// listSealed returns sealed files sorted by index ascending (1 = newest).
func (s *Sink) listSealed() ([]sealedFile, error) {
	dir := filepath.Dir(s.path)
	prefix := filepath.Base(s.path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list ledger dir: %v", ErrStorageFault, err)
	}

	var sealed []sealedFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), prefix))
		if err != nil || idx < 1 {
			continue
		}
		sealed = append(sealed, sealedFile{index: idx, path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i].index < sealed[j].index })
	return sealed, nil
}

func (s *Sink) sealedPath(index int) string {
	return fmt.Sprintf("%s.%d", s.path, index)
}

// Files returns the rotation set in chronological order: oldest sealed file
// first, the active file last.
func (s *Sink) Files() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filesLocked()
}

func (s *Sink) filesLocked() ([]string, error) {
	sealed, err := s.listSealed()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(sealed)+1)
	for i := len(sealed) - 1; i >= 0; i-- { // highest suffix = oldest
		files = append(files, sealed[i].path)
	}
	if _, err := os.Stat(s.path); err == nil {
		files = append(files, s.path)
	}
	return files, nil
}

// SealedFiles returns only the sealed files, oldest first. Sealed files are
// immutable and safe for concurrent readers.
func (s *Sink) SealedFiles() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.listSealed()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(sealed))
	for i := len(sealed) - 1; i >= 0; i-- {
		files = append(files, sealed[i].path)
	}
	return files, nil
}

// Scan replays every event in the rotation set in write order, invoking fn
// with the raw line bytes and the decoded event. A decode failure aborts the
// scan; the ledger never contains lines this sink did not validate.
func (s *Sink) Scan(fn func(raw []byte, e event.Event) error) error {
	files, err := s.Files()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := scanFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// ScanFile replays one ledger file. Useful for readers that hold their own
// list of sealed files.
func ScanFile(path string, fn func(raw []byte, e event.Event) error) error {
	return scanFile(path, fn)
}

func scanFile(path string, fn func(raw []byte, e event.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open ledger file %s: %v", ErrStorageFault, path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		e, err := event.Decode(raw)
		if err != nil {
			return fmt.Errorf("ledger file %s: %w", path, err)
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		if err := fn(line, e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read ledger file %s: %v", ErrStorageFault, path, err)
	}
	return nil
}

// SnapshotActive copies the active file's flushed contents to dst while
// holding the writer lock, so the copy is a consistent whole-record prefix.
// Readers must treat the live active file as incomplete; this is the
// supported way to include it in an export.
func (s *Sink) SnapshotActive(dst io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open active file: %v", ErrStorageFault, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("%w: snapshot active file: %v", ErrStorageFault, err)
	}
	return nil
}

// RetentionInfo reports the current rotation-set state for operators.
type RetentionInfo struct {
	Path           string `json:"path"`
	MaxSizeBytes   int64  `json:"max_size_bytes"`
	MaxFileCount   int    `json:"max_file_count"`
	ActiveSize     int64  `json:"active_size_bytes"`
	SealedCount    int    `json:"sealed_count"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	Failed         bool   `json:"failed"`
}

// Retention returns a snapshot of the rotation-set state.
func (s *Sink) Retention() (RetentionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := RetentionInfo{
		Path:         s.path,
		MaxSizeBytes: s.maxSize,
		MaxFileCount: s.maxCount,
		ActiveSize:   s.size,
		Failed:       s.failed,
	}
	sealed, err := s.listSealed()
	if err != nil {
		return info, err
	}
	info.SealedCount = len(sealed)
	info.TotalSizeBytes = s.size
	for _, sf := range sealed {
		if st, err := os.Stat(sf.path); err == nil {
			info.TotalSizeBytes += st.Size()
		}
	}
	return info, nil
}
