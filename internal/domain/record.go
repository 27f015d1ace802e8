package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion is written into every index and shard document.
const SchemaVersion = 1

// UpstreamMessage is a message as delivered by an upstream adapter. Optional
// fields are pointers; Payload keeps the adapter's raw representation.
type UpstreamMessage struct {
	ID        int64
	Timestamp time.Time
	Text      *string
	Views     *int64
	Forwards  *int64
	EditedAt  *time.Time
	Reactions []Reaction
	Media     *Media
	Forward   *ForwardOrigin
	Payload   []byte
}

// Media describes an attachment of an upstream message.
type Media struct {
	Kind string
}

// Reaction is one reaction bucket on a message.
type Reaction struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// ForwardOrigin describes where a forwarded message came from.
type ForwardOrigin struct {
	OriginID        *string    `json:"origin_id,omitempty"`
	OriginName      *string    `json:"origin_name,omitempty"`
	OriginTimestamp *time.Time `json:"origin_timestamp,omitempty"`
}

// Counters groups engagement counters of a record.
type Counters struct {
	Views    *int64 `json:"views,omitempty"`
	Forwards *int64 `json:"forwards,omitempty"`
}

// Record is the archived shape of one message. Timestamps are UTC.
type Record struct {
	ID            int64           `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Text          *string         `json:"text,omitempty"`
	Counters      Counters        `json:"counters"`
	EditedAt      *time.Time      `json:"edited_at,omitempty"`
	Reactions     []Reaction      `json:"reactions"`
	MediaPresent  bool            `json:"media_present"`
	MediaKind     *string         `json:"media_kind,omitempty"`
	ForwardedFrom *ForwardOrigin  `json:"forwarded_from,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Direction tells the upstream which way to page.
type Direction int

const (
	// Backward pages from HighID (or the newest message) toward older ids.
	Backward Direction = iota
	// Forward pages from LowID toward newer ids.
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// FetchQuery bounds an upstream fetch to the open interval (LowID, HighID).
// A zero bound is unset. Limit 0 means unbounded.
type FetchQuery struct {
	Direction Direction
	LowID     int64
	HighID    int64
	Limit     int
}

// Contains reports whether id lies strictly inside the query bounds.
func (q FetchQuery) Contains(id int64) bool {
	if q.LowID > 0 && id <= q.LowID {
		return false
	}
	if q.HighID > 0 && id >= q.HighID {
		return false
	}
	return true
}
