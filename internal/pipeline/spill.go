package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// spillStore writes overflow events to newline-delimited JSON files
// and reads them back on startup. One file per overflow batch; files
// are deleted once recovered. This is the only persistence in the
// ingest path.
type spillStore struct {
	dir    string
	logger *zap.Logger
}

func newSpillStore(dir string, logger *zap.Logger) *spillStore {
	return &spillStore{dir: dir, logger: logger}
}

func (s *spillStore) enabled() bool { return s.dir != "" }

// write persists a batch of events to a fresh spill file.
func (s *spillStore) write(events []model.Event) error {
	if !s.enabled() || len(events) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create spill dir: %w", err)
	}

	name := fmt.Sprintf("spill-%d-%s.ndjson", time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create spill file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode spill record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush spill file: %w", err)
	}

	s.logger.Info("events spilled to disk",
		zap.String("file", name),
		zap.Int("events", len(events)),
	)
	return nil
}

// recover reads every spill file in the directory, deletes each file
// once its events have been handed to submit, and returns the count
// recovered. Corrupt records are skipped, not fatal.
func (s *spillStore) recover(submit func(model.Event)) (int, error) {
	if !s.enabled() {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "spill-*.ndjson"))
	if err != nil {
		return 0, err
	}

	total := 0
	for _, path := range matches {
		n, err := s.recoverFile(path, submit)
		if err != nil {
			s.logger.Warn("spill recovery failed, leaving file in place",
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
			continue
		}
		total += n
		if err := os.Remove(path); err != nil {
			s.logger.Warn("could not delete recovered spill file",
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
		}
	}
	if total > 0 {
		s.logger.Info("spill recovery complete", zap.Int("events", total))
	}
	return total, nil
}

func (s *spillStore) recoverFile(path string, submit func(model.Event)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("skipping corrupt spill record", zap.Error(err))
			continue
		}
		submit(ev)
		n++
	}
	return n, scanner.Err()
}
