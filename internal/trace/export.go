package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/voxcore/voxcore/internal/model"
)

type exportRound struct {
	Type string `json:"type"`
	model.Round
}

type exportEvent struct {
	Type string `json:"type"`
	model.Event
}

// ExportJSONL writes every round as one line tagged "round", immediately
// followed by one line per event tagged "event" in event_seq order. Rounds
// are ordered by creation time then sequence, so a sequential reader can
// reconstruct full per-round event order in a single pass.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT round_id, schema_version, library_id, bucket_id, conversation_id,
		        round_seq, state_in, state_out, audio_id, created_at,
		        status, failure_code, failure_reason
		 FROM rounds ORDER BY created_at ASC, round_seq ASC`)
	if err != nil {
		return err
	}
	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return err
		}
		rounds = append(rounds, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range rounds {
		if err := enc.Encode(exportRound{Type: "round", Round: r}); err != nil {
			return err
		}
		events, err := s.fetchEventsLocked(ctx, r.RoundID)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := enc.Encode(exportEvent{Type: "event", Event: e}); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ExportAll exports the full trace to a JSONL file at the given path.
func (s *Store) ExportAll(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := s.ExportJSONL(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
