package domain

type Query struct {
	OwnerID        string `json:"owner_id"`
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type Citation struct {
	Number     int    `json:"number"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename,omitempty"`
	Page       int    `json:"page,omitempty"`
	Ordinal    int    `json:"ordinal"`
}

type AnswerResult struct {
	Answer             string             `json:"answer"`
	CitedChunkIDs      []string           `json:"cited_chunk_ids"`
	Citations          []Citation         `json:"citations"`
	ConversationID     string             `json:"conversation_id,omitempty"`
	SearchQuery        string             `json:"search_query,omitempty"`
	Degraded           bool               `json:"degraded"`
	DegradedReasons    []string           `json:"degraded_reasons,omitempty"`
	RetryCount         int                `json:"retry_count"`
	LatencyMS          map[string]float64 `json:"latency_ms,omitempty"`
	States             []QueryState       `json:"states,omitempty"`
	PersistenceWarning string             `json:"persistence_warning,omitempty"`
}

func (r *AnswerResult) MarkDegraded(reason string) {
	r.Degraded = true
	for _, existing := range r.DegradedReasons {
		if existing == reason {
			return
		}
	}
	r.DegradedReasons = append(r.DegradedReasons, reason)
}

// QueryState is a node of the per-query state machine.
type QueryState string

const (
	StateReceived     QueryState = "received"
	StateEmbedded     QueryState = "embedded"
	StateRetrieved    QueryState = "retrieved"
	StateReranked     QueryState = "reranked"
	StateContextBuilt QueryState = "context_built"
	StateGenerated    QueryState = "generated"
	StateCompleted    QueryState = "completed"
	StateFailed       QueryState = "failed"
)

var queryTransitions = map[QueryState]QueryState{
	StateReceived:     StateEmbedded,
	StateEmbedded:     StateRetrieved,
	StateRetrieved:    StateReranked,
	StateReranked:     StateContextBuilt,
	StateContextBuilt: StateGenerated,
	StateGenerated:    StateCompleted,
}

// CanTransition reports whether next directly follows s. Failed is reachable
// from every non-terminal state.
func (s QueryState) CanTransition(next QueryState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return queryTransitions[s] == next
}

func (s QueryState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
