package source

import (
	"context"

	"github.com/smukkama/weather-warehouse/internal/checkpoint"
	"github.com/smukkama/weather-warehouse/internal/protocol"
	"github.com/smukkama/weather-warehouse/internal/reading"
)

// JSONL reads one JSON sensor event per line.
type JSONL struct {
	tail *tail
}

// NewJSONL creates a JSONL file source tracked under checkpoint name "jsonl".
func NewJSONL(path string, store checkpoint.Store) *JSONL {
	return &JSONL{tail: newTail(string(reading.SourceJSONL), path, store)}
}

func (s *JSONL) Name() string { return s.tail.name }

// Extract decodes the new lines. Undecodable lines come back as raw
// readings carrying DecodeErr so they are counted as rejected.
func (s *JSONL) Extract(ctx context.Context) ([]reading.Raw, error) {
	lines, err := s.tail.read(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]reading.Raw, 0, len(lines))
	for _, l := range lines {
		pos := s.tail.position(l)
		ev, err := protocol.DecodeSensorEvent(l.text)
		if err != nil {
			out = append(out, reading.Raw{Source: reading.SourceJSONL, Position: pos, DecodeErr: err})
			continue
		}
		out = append(out, ev.Raw(reading.SourceJSONL, pos))
	}
	return out, nil
}

func (s *JSONL) Commit(ctx context.Context) error {
	return s.tail.commit(ctx)
}
