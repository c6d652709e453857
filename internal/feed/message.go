package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"budgetflow/internal/core"
)

// SnapshotMessage is the wire form of a full dataset snapshot on message
// buses. Records stays raw so that decoding goes through the tolerant record
// decoder.
type SnapshotMessage struct {
	Feed      string          `json:"feed"`
	Records   json.RawMessage `json:"records"`
	Timestamp time.Time       `json:"timestamp"`
}

// EncodeSnapshot builds the message body for recs published on feed.
func EncodeSnapshot(feedName string, recs []core.Record) ([]byte, error) {
	if recs == nil {
		recs = []core.Record{}
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	return json.Marshal(SnapshotMessage{Feed: feedName, Records: raw, Timestamp: time.Now().UTC()})
}

// DecodeSnapshot parses a message body. Malformed records are coerced;
// only a body that is not a message, or records that are not a list, fail.
func DecodeSnapshot(body []byte) (string, []core.Record, error) {
	var msg SnapshotMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", nil, fmt.Errorf("unmarshal snapshot message: %w", err)
	}
	recs, err := core.DecodeRecords(msg.Records)
	if err != nil {
		return msg.Feed, nil, fmt.Errorf("decode records of %s: %w", msg.Feed, err)
	}
	return msg.Feed, recs, nil
}
