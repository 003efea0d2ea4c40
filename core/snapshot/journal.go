package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".log"

	// DefaultSegmentSizeLimit is the size at which the active journal
	// segment is rotated.
	DefaultSegmentSizeLimit int64 = 16 * 1024 * 1024

	backupChunkSize = 256 * 1024
)

// RootCodec converts a root object graph to and from its journaled byte
// form. Unmarshal doubles as the deep-copy path for private snapshots, so
// it must return a freshly built graph on every call.
type RootCodec struct {
	Marshal   func(root any) ([]byte, error)
	Unmarshal func(data []byte) (any, error)
}

// JSONRootCodec builds a RootCodec that journals roots of type T as JSON.
func JSONRootCodec[T any]() RootCodec {
	return RootCodec{
		Marshal: func(root any) ([]byte, error) {
			return json.Marshal(root)
		},
		Unmarshal: func(data []byte) (any, error) {
			var root T
			if err := json.Unmarshal(data, &root); err != nil {
				return nil, err
			}
			return root, nil
		},
	}
}

// JournalStore is a Provider that persists every committed root to an
// append-only journal. Each record carries a complete encoded root plus the
// version it was committed at, so recovery only needs the last intact
// record of the newest segment. Segments rotate at a size limit.
type JournalStore struct {
	dir              string
	codec            RootCodec
	segmentSizeLimit int64
	logger           *zap.Logger

	mu        sync.Mutex
	file      *os.File
	segmentID uint64
	root      any
	encoded   []byte
	version   uint64
	validate  ValidateFunc
	closed    bool
}

// NewJournalStore opens (or creates) the journal in dir. When the journal
// already holds committed roots, the newest one is recovered; otherwise the
// store starts from initial at version 0. A segmentSizeLimit of 0 selects
// DefaultSegmentSizeLimit.
func NewJournalStore(dir string, initial any, codec RootCodec, segmentSizeLimit int64, logger *zap.Logger) (*JournalStore, error) {
	if codec.Marshal == nil || codec.Unmarshal == nil {
		return nil, errors.New("root codec must provide Marshal and Unmarshal")
	}
	if segmentSizeLimit < 0 {
		return nil, fmt.Errorf("segment size limit must not be negative, got %d", segmentSizeLimit)
	}
	if segmentSizeLimit == 0 {
		segmentSizeLimit = DefaultSegmentSizeLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}

	s := &JournalStore{
		dir:              dir,
		codec:            codec,
		segmentSizeLimit: segmentSizeLimit,
		logger:           logger,
	}
	if err := s.recover(initial); err != nil {
		return nil, err
	}

	logger.Info("Journal store opened",
		zap.String("dir", dir),
		zap.Uint64("segment_id", s.segmentID),
		zap.Uint64("version", s.version),
	)
	return s, nil
}

// recover scans the journal directory, replays the newest segment to find
// the last committed root, and opens the active segment for appending.
// Starts from initial when no committed record exists.
func (s *JournalStore) recover(initial any) error {
	ids, err := s.listSegments()
	if err != nil {
		return err
	}

	var recovered bool
	if len(ids) > 0 {
		s.segmentID = ids[len(ids)-1]
		// Walk segments newest-first: a crash between rotation and the
		// first append leaves an empty newest segment behind.
		for i := len(ids) - 1; i >= 0 && !recovered; i-- {
			version, encoded, err := s.replaySegment(s.segmentPath(ids[i]))
			if err != nil {
				return err
			}
			if encoded == nil {
				continue
			}
			root, err := s.codec.Unmarshal(encoded)
			if err != nil {
				return fmt.Errorf("failed to decode recovered root: %w", err)
			}
			s.root = root
			s.encoded = encoded
			s.version = version
			recovered = true
		}
	} else {
		s.segmentID = 1
	}

	if !recovered {
		encoded, err := s.codec.Marshal(initial)
		if err != nil {
			return fmt.Errorf("failed to encode initial root: %w", err)
		}
		s.root = initial
		s.encoded = encoded
		s.version = 0
	}

	file, err := os.OpenFile(s.segmentPath(s.segmentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal segment: %w", err)
	}
	s.file = file
	return nil
}

// listSegments returns the segment IDs present in the journal directory,
// sorted ascending.
func (s *JournalStore) listSegments() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory %s: %w", s.dir, err)
	}

	var ids []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			s.logger.Warn("Ignoring journal file with unparseable name", zap.String("file", name))
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *JournalStore) segmentPath(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%010d%s", segmentPrefix, id, segmentSuffix))
}

// replaySegment walks the records of one segment and returns the last
// intact one. A truncated tail record (torn write on crash) is tolerated;
// everything before it still counts.
func (s *JournalStore) replaySegment(path string) (version uint64, encoded []byte, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("failed to open journal segment %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		recVersion, payload, readErr := readRecord(reader)
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				s.logger.Warn("Journal segment has a torn tail record, ignoring it",
					zap.String("segment", path), zap.Error(readErr))
			}
			return version, encoded, nil
		}
		version = recVersion
		encoded = payload
	}
}

// readRecord reads one length-prefixed journal record: 8 bytes of version,
// 4 bytes of payload length, then the payload. io.EOF means a clean end;
// io.ErrUnexpectedEOF means a torn record.
func readRecord(r *bufio.Reader) (uint64, []byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	version := binary.BigEndian.Uint64(header[0:8])
	length := binary.BigEndian.Uint32(header[8:12])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return version, payload, nil
}

// SetValidator installs a hook that vets every root passed to SetRoot.
func (s *JournalStore) SetValidator(validate ValidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validate = validate
}

// RootSnapshot returns a private copy of the current root, decoded fresh
// from its journaled form.
func (s *JournalStore) RootSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, errors.New("journal store is closed")
	}
	root, err := s.codec.Unmarshal(s.encoded)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode root: %w", err)
	}
	return Snapshot{Root: root, Version: s.version}, nil
}

// SharedRootSnapshot returns a snapshot aliasing the live root.
func (s *JournalStore) SharedRootSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, errors.New("journal store is closed")
	}
	return Snapshot{Root: s.root, Version: s.version}, nil
}

// SetRoot appends newRoot to the journal and syncs it to disk before the
// in-memory state is advanced, so a committed version is always durable.
func (s *JournalStore) SetRoot(newRoot any, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("journal store is closed")
	}
	if s.validate != nil {
		if err := s.validate(newRoot); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
	}
	if expectedVersion != s.version {
		return fmt.Errorf("%w: expected version %d but store is at version %d",
			ErrVersionConflict, expectedVersion, s.version)
	}

	encoded, err := s.codec.Marshal(newRoot)
	if err != nil {
		return fmt.Errorf("failed to encode root: %w", err)
	}

	if err := s.maybeRotate(); err != nil {
		return err
	}

	newVersion := s.version + 1
	record := make([]byte, 12+len(encoded))
	binary.BigEndian.PutUint64(record[0:8], newVersion)
	binary.BigEndian.PutUint32(record[8:12], uint32(len(encoded)))
	copy(record[12:], encoded)

	if _, err := s.file.Write(record); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	s.root = newRoot
	s.encoded = encoded
	s.version = newVersion
	return nil
}

// maybeRotate starts a new segment when the active one has grown past the
// size limit. Must be called with s.mu held.
func (s *JournalStore) maybeRotate() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal segment: %w", err)
	}
	if info.Size() < s.segmentSizeLimit {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal segment: %w", err)
	}
	s.segmentID++
	file, err := os.OpenFile(s.segmentPath(s.segmentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal segment: %w", err)
	}
	s.file = file
	s.logger.Info("Rotated journal segment", zap.Uint64("segment_id", s.segmentID))
	return nil
}

// Version returns the store's current version.
func (s *JournalStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Backup writes the active journal segment to dstPath, throttled to
// rateBytesPerSec (0 disables throttling) so a large backup does not starve
// commit I/O.
func (s *JournalStore) Backup(ctx context.Context, dstPath string, rateBytesPerSec int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("journal store is closed")
	}
	srcPath := s.segmentPath(s.segmentID)
	if err := s.file.Sync(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to sync journal before backup: %w", err)
	}
	s.mu.Unlock()

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open journal segment for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), backupChunkSize)
	}

	buf := make([]byte, backupChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return fmt.Errorf("backup rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write backup file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read journal segment: %w", readErr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("failed to sync backup file: %w", err)
	}
	s.logger.Info("Journal backup complete", zap.String("dst", dstPath))
	return nil
}

// Close syncs and closes the active segment. The store cannot be used
// afterwards.
func (s *JournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to sync journal on close: %w", err)
	}
	return s.file.Close()
}
