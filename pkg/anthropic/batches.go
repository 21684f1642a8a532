package anthropic

import "time"

// Batch processing statuses.
const (
	BatchInProgress = "in_progress"
	BatchCanceling  = "canceling"
	BatchEnded      = "ended"
)

// Batch result type discriminators.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
	ResultCanceled  = "canceled"
	ResultExpired   = "expired"
)

// BatchRequestItem is one sub-request of a batch.
type BatchRequestItem struct {
	CustomID string          `json:"custom_id"`
	Params   MessagesRequest `json:"params"`
}

// CreateBatchRequest is the create-batch request body.
type CreateBatchRequest struct {
	Requests []BatchRequestItem `json:"requests"`
}

// RequestCounts summarizes per-item outcomes of a batch.
type RequestCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

// MessageBatch is the wire representation of a batch.
type MessageBatch struct {
	ID                string        `json:"id"`
	Type              string        `json:"type"`
	ProcessingStatus  string        `json:"processing_status"`
	RequestCounts     RequestCounts `json:"request_counts"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	EndedAt           *time.Time    `json:"ended_at"`
	CancelInitiatedAt *time.Time    `json:"cancel_initiated_at"`
	ResultsURL        string        `json:"results_url,omitempty"`
}

// BatchResultBody is the result object on one JSONL result line.
type BatchResultBody struct {
	Type    string            `json:"type"`
	Message *MessagesResponse `json:"message,omitempty"`
	Error   *ErrorResponse    `json:"error,omitempty"`
}

// BatchResultLine is one line of the batch results stream.
type BatchResultLine struct {
	CustomID string          `json:"custom_id"`
	Result   BatchResultBody `json:"result"`
}

// BatchesListResponse is the paginated batch listing body.
type BatchesListResponse struct {
	Data    []MessageBatch `json:"data"`
	FirstID *string        `json:"first_id"`
	LastID  *string        `json:"last_id"`
	HasMore bool           `json:"has_more"`
}

// MessageBatchDeletedResponse acknowledges a batch deletion.
type MessageBatchDeletedResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// NewMessageBatchDeletedResponse builds the deletion acknowledgement.
func NewMessageBatchDeletedResponse(id string) MessageBatchDeletedResponse {
	return MessageBatchDeletedResponse{ID: id, Type: "message_batch_deleted"}
}
