package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bookbot/internal/listing"
	logx "bookbot/pkg/logx"
)

const defaultCompactEvery = 500

// fileStore keeps the full index in memory and persists every change.
//
// Files:
//   - <prefix>.snapshot.json (entries in admission order)
//   - <prefix>.journal.jsonl (append-only, one full record per change)
//
// Every journal append is fsynced before the call returns. The journal is
// periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	idx          *index

	writes       int
	compactEvery int
}

type journalRecord struct {
	Seq   uint64          `json:"seq"`
	Entry listing.Tracked `json:"entry"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	idx := newIndex()
	if err := loadSnapshot(snapPath, idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	cut, err := trimTornTail(jf)
	if err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("trim journal: %w", err)
	}
	if cut > 0 {
		log.Warn("truncated torn journal tail", logx.Int("bytes", int(cut)), logx.String("path", journalPath))
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("entries", len(idx.order)))
	return &fileStore{
		log:          log,
		now:          time.Now,
		snapshotPath: snapPath,
		journal:      jf,
		idx:          idx,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Admit(ctx context.Context, e listing.Tracked) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if e.ID == "" {
		return false, errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok := s.idx.byID[e.ID]; ok {
		return false, nil
	}
	e = normalizeAdmit(e, s.now())
	if err := s.appendLocked(e); err != nil {
		return false, err
	}
	s.idx.put(e)
	s.maybeCompactLocked()
	return true, nil
}

func (s *fileStore) MarkAttempted(ctx context.Context, id listing.ID) error {
	return s.transition(ctx, id, listing.ClaimAttempted, "")
}

func (s *fileStore) MarkClaimed(ctx context.Context, id listing.ID, outcome listing.Outcome, detail string) error {
	next, err := outcomeState(outcome)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, next, detail)
}

func (s *fileStore) transition(ctx context.Context, id listing.ID, next listing.State, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cur, ok := s.idx.byID[id]
	if !ok {
		return ErrNotFound
	}
	upd, err := advance(cur, next, detail, s.now())
	if err != nil {
		return err
	}
	if err := s.appendLocked(upd); err != nil {
		return err
	}
	s.idx.put(upd)
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Get(ctx context.Context, id listing.ID) (listing.Tracked, bool, error) {
	if err := ctx.Err(); err != nil {
		return listing.Tracked{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.byID[id]
	return e, ok, nil
}

func (s *fileStore) List(ctx context.Context) ([]listing.Tracked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.list(), nil
}

// appendLocked writes and fsyncs one journal record.
func (s *fileStore) appendLocked(e listing.Tracked) error {
	s.writes++
	b, err := json.Marshal(journalRecord{Seq: uint64(s.writes), Entry: e})
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	return nil
}

func (s *fileStore) maybeCompactLocked() {
	if s.writes%s.compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Any("err", err))
	}
}

// compactLocked writes the snapshot atomically, then truncates the journal.
// A crash between the two steps only leaves journal records that replay to
// the same state.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.idx.list()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, idx *index) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var entries []listing.Tracked
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		idx.put(e)
	}
	return nil
}

// replayJournal applies journal records on top of idx. A torn trailing record
// (crash mid-write) is counted and skipped.
func replayJournal(path string, idx *index) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil || r.Entry.ID == "" {
			skipped++
			continue
		}
		idx.put(r.Entry)
	}
	return skipped, sc.Err()
}

// trimTornTail cuts everything after the last newline so the next append
// starts on its own line. It returns the number of bytes removed.
func trimTornTail(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	const chunk = 4096
	buf := make([]byte, chunk)
	for end := size; end > 0; {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return 0, nil
			}
			return size - keep, f.Truncate(keep)
		}
		end = start
	}
	if size == 0 {
		return 0, nil
	}
	return size, f.Truncate(0)
}
