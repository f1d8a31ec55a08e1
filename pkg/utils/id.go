package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID returns prefix_ followed by a dashless UUID.
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateCallID generates a unique call ID
func GenerateCallID() string {
	return uuid.NewString()
}

// GenerateMessageID generates a unique signaling message ID
func GenerateMessageID() string {
	return GenerateID("msg")
}

// GenerateShareID generates a unique screen share ID
func GenerateShareID() string {
	return GenerateID("share")
}

// GenerateRaiseHandID generates a unique raise hand request ID
func GenerateRaiseHandID() string {
	return GenerateID("hand")
}

// GenerateAnnotationID generates a unique annotation session ID
func GenerateAnnotationID() string {
	return GenerateID("annot")
}

// GenerateToggleID generates a unique pending toggle ID
func GenerateToggleID() string {
	return GenerateID("toggle")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
