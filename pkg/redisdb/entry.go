package redisdb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/record-batch-queue/pkg/record"
)

// ErrInvalidEntry indicates a stored record could not be decoded.
var ErrInvalidEntry = errors.New("invalid record entry")

func encodeRecord(rec *record.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	rec.ID = rec.ID.Normalize()
	return &rec, nil
}
