package analytics

import "time"

type EventType string

const (
	EventRetrieval  EventType = "retrieval"
	EventZeroResult EventType = "zero_result"
	EventEmptyQuery EventType = "empty_query"
	EventError      EventType = "error"
)

// RetrievalEvent describes one retrieval served by the API, either directly
// or on behalf of a chat request.
type RetrievalEvent struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Query     string    `json:"query"`
	Tokens    []string  `json:"tokens"`
	TopK      int       `json:"top_k"`
	MinScore  float64   `json:"min_score"`
	Returned  int       `json:"returned"`
	TopScore  float64   `json:"top_score"`
	LatencyUs int64     `json:"latency_us"`
	CacheHit  bool      `json:"cache_hit"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Classify returns the event type for a completed retrieval.
func Classify(tokens int, returned int, err error) EventType {
	switch {
	case err != nil:
		return EventError
	case tokens == 0:
		return EventEmptyQuery
	case returned == 0:
		return EventZeroResult
	default:
		return EventRetrieval
	}
}
