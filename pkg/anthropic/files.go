package anthropic

import "time"

// FileMetadata is the wire representation of an uploaded file.
type FileMetadata struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	Downloadable bool      `json:"downloadable"`
}

// FilesListResponse is the paginated file listing body.
type FilesListResponse struct {
	Data    []FileMetadata `json:"data"`
	FirstID *string        `json:"first_id"`
	LastID  *string        `json:"last_id"`
	HasMore bool           `json:"has_more"`
}

// FileDeletedResponse acknowledges a file deletion.
type FileDeletedResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// NewFileDeletedResponse builds the deletion acknowledgement.
func NewFileDeletedResponse(id string) FileDeletedResponse {
	return FileDeletedResponse{ID: id, Type: "file_deleted"}
}
