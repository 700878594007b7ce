package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/internal/protocol"
	"github.com/smukkama/weather-warehouse/internal/reading"
)

// MessageReader is the part of queue.Consumer the Kafka source needs.
type MessageReader interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka drains the raw readings topic. Each Extract reads until the topic
// has been idle for PollWindow or MaxPerCycle messages are buffered.
// Messages stay buffered until Commit, so an aborted cycle sees them again.
type Kafka struct {
	reader      MessageReader
	pollWindow  time.Duration
	maxPerCycle int
	pending     []kafka.Message
}

// NewKafka creates a Kafka source.
func NewKafka(reader MessageReader, pollWindow time.Duration, maxPerCycle int) *Kafka {
	if pollWindow <= 0 {
		pollWindow = 2 * time.Second
	}
	if maxPerCycle <= 0 {
		maxPerCycle = 5000
	}
	return &Kafka{reader: reader, pollWindow: pollWindow, maxPerCycle: maxPerCycle}
}

func (s *Kafka) Name() string { return string(reading.SourceKafka) }

func (s *Kafka) Extract(ctx context.Context) ([]reading.Raw, error) {
	for len(s.pending) < s.maxPerCycle {
		pollCtx, cancel := context.WithTimeout(ctx, s.pollWindow)
		msg, err := s.reader.Consume(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(s.pending) == 0 {
				return nil, fmt.Errorf("failed to read raw readings topic: %w", err)
			}
			logger.Warnf("kafka: stopping drain after %d messages: %v", len(s.pending), err)
			break
		}
		s.pending = append(s.pending, msg)
	}

	out := make([]reading.Raw, 0, len(s.pending))
	for _, msg := range s.pending {
		pos := fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
		ev, err := protocol.DecodeSensorEvent(msg.Value)
		if err != nil {
			out = append(out, reading.Raw{Source: reading.SourceKafka, Position: pos, DecodeErr: err})
			continue
		}
		out = append(out, ev.Raw(reading.SourceKafka, pos))
	}
	return out, nil
}

// Commit commits the offsets of every buffered message.
func (s *Kafka) Commit(ctx context.Context) error {
	if err := s.reader.Commit(ctx, s.pending...); err != nil {
		return err
	}
	s.pending = nil
	return nil
}
