package spool

import (
	"testing"
	"time"

	"github.com/TailGuy/opcbridge/internal/domain"
)

func rec(seq uint64) *domain.MeasurementRecord {
	return &domain.MeasurementRecord{
		Name:      "plc1_temp",
		NodeID:    "ns=2;s=PLC1.Temp",
		Value:     float64(seq),
		Quality:   domain.QualityGood,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Seq:       seq,
	}
}

func TestAppendReplayCommit(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer s.Close()

	for i := uint64(1); i <= 3; i++ {
		id, err := s.Append(rec(i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id != EntryID(i) {
			t.Fatalf("expected id %d, got %d", i, id)
		}
	}

	var seen []uint64
	err = s.Replay(1, func(_ EntryID, r *domain.MeasurementRecord) error {
		seen = append(seen, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected replay order: %v", seen)
	}

	if err := s.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}

	seen = seen[:0]
	st := s.Stats()
	if st.OldestUncommitted != 3 || st.LatestAppended != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	err = s.Replay(st.OldestUncommitted, func(_ EntryID, r *domain.MeasurementRecord) error {
		seen = append(seen, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay after commit: %v", err)
	}
	if len(seen) != 1 || seen[0] != 3 {
		t.Fatalf("expected only entry 3, got %v", seen)
	}
}

func TestReopenRestoresState(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if _, err := s.Append(rec(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Commit(3); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	st := s2.Stats()
	if st.LatestAppended != 5 {
		t.Fatalf("expected latest 5 after reopen, got %d", st.LatestAppended)
	}
	if st.OldestUncommitted != 4 {
		t.Fatalf("expected oldest uncommitted 4, got %d", st.OldestUncommitted)
	}

	id, err := s2.Append(rec(6))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if id != 6 {
		t.Fatalf("ids must continue after reopen, got %d", id)
	}

	var seqs []uint64
	err = s2.Replay(4, func(_ EntryID, r *domain.MeasurementRecord) error {
		seqs = append(seqs, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 4 || seqs[2] != 6 {
		t.Fatalf("unexpected replay: %v", seqs)
	}
}

func TestRecordContentSurvives(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	want := rec(9)
	want.Quality = domain.QualityDegraded
	if _, err := s.Append(want); err != nil {
		t.Fatalf("append: %v", err)
	}

	err = s.Replay(1, func(_ EntryID, got *domain.MeasurementRecord) error {
		if got.Name != want.Name || got.NodeID != want.NodeID || got.Seq != want.Seq {
			t.Fatalf("identity mismatch: %+v vs %+v", got, want)
		}
		if got.Quality != domain.QualityDegraded {
			t.Fatalf("quality lost: %s", got.Quality)
		}
		if !got.Timestamp.Equal(want.Timestamp) {
			t.Fatalf("timestamp mismatch: %s vs %s", got.Timestamp, want.Timestamp)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
}
