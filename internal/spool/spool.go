// Package spool is a file-backed record log for the time-series path.
// Records are appended before a batch write and committed after the store
// acknowledges it, so a restart replays anything the store never saw.
package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/TailGuy/opcbridge/internal/domain"
)

const headerLen = 12

// EntryID numbers appended records, starting at 1.
type EntryID uint64

type Stats struct {
	OldestUncommitted EntryID
	LatestAppended    EntryID
	SizeBytes         int64
}

type Spool struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    EntryID
	committed EntryID
	sizeBytes int64
}

func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "spool.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := &Spool{
		path:     path,
		metaPath: filepath.Join(dir, "spool.meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 1<<20),
	}
	if err := s.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Spool) bootstrap() error {
	if err := s.scanExisting(); err != nil {
		return err
	}
	if err := s.loadCommitted(); err != nil {
		return err
	}
	if s.nextID < s.committed {
		s.nextID = s.committed
	}
	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting walks the log to find the last entry, truncating a torn
// tail left by a crash mid-append.
func (s *Spool) scanExisting() error {
	stat, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID EntryID
	)
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("spool scan header: %w", err)
		}
		id := EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint32(hdr[8:12])

		if length > 0 {
			if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return fmt.Errorf("spool scan body: %w", err)
			}
		}
		offset += headerLen + int64(length)
		lastID = id
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	s.nextID = lastID
	return nil
}

func (s *Spool) loadCommitted() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("spool meta parse: %w", err)
	}
	s.committed = EntryID(u)
	return nil
}

// Append writes the record to the log. Entry format:
// [8 bytes id][4 bytes len][len bytes json].
func (s *Spool) Append(rec *domain.MeasurementRecord) (EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := s.writer.Write(b); err != nil {
		return 0, err
	}

	s.nextID = id
	s.sizeBytes += int64(len(hdr) + len(b))
	return id, nil
}

// Flush pushes buffered appends to the file. Call before handing the same
// records to the store so a crash replays them.
func (s *Spool) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}

// Replay invokes fn for every entry with id >= from, in append order.
func (s *Spool) Replay(from EntryID, fn func(id EntryID, rec *domain.MeasurementRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("spool replay header: %w", err)
		}
		id := EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("spool replay body: %w", err)
		}
		if id < from {
			continue
		}
		var rec domain.MeasurementRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("spool entry corrupt: %w", err)
		}
		if err := fn(id, &rec); err != nil {
			return err
		}
	}
}

// Commit advances the committed watermark; entries at or below it are no
// longer replayed.
func (s *Spool) Commit(upto EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto > s.committed {
		s.committed = upto
	}
	data := []byte(fmt.Sprintf("%d\n", s.committed))
	return os.WriteFile(s.metaPath, data, 0o644)
}

func (s *Spool) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		OldestUncommitted: s.committed + 1,
		LatestAppended:    s.nextID,
		SizeBytes:         s.sizeBytes,
	}
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
