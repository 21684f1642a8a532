package anthropic

import (
	"strings"

	"github.com/google/uuid"
)

func hexID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewMessageID generates a message ID ("msg_" + 24 hex chars).
func NewMessageID() string { return hexID("msg_") }

// NewBatchID generates a batch ID ("msgbatch_" + 24 hex chars).
func NewBatchID() string { return hexID("msgbatch_") }

// NewFileID generates a file ID ("file_" + 24 hex chars).
func NewFileID() string { return hexID("file_") }
