package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RawMessage is one report message as read from the ingest topic.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string

	// Commit acknowledges the message; nil when the source needs no acknowledgement.
	Commit func(ctx context.Context) error
}

// DecodeReport parses a JSON report message and validates it.
func DecodeReport(raw RawMessage) (Report, error) {
	var r Report
	if err := json.Unmarshal(raw.Value, &r); err != nil {
		return Report{}, fmt.Errorf("%w: decode report: %w", ErrInvalidArgument, err)
	}
	if err := r.Validate(); err != nil {
		return Report{}, err
	}
	return r, nil
}
