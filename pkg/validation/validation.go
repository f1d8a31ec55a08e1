package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// UserIDRegex validates user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

	// IdentifierRegex validates call, message and share IDs
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxIdentifierLength = 128
	maxSDPLength        = 64 * 1024
	maxCandidateLength  = 1024
)

// ValidateUserID validates a user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > maxIdentifierLength {
		return fmt.Errorf("user ID is too long (max %d characters)", maxIdentifierLength)
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateCallID validates a call ID
func ValidateCallID(callID string) error {
	return validateIdentifier(callID, "call ID")
}

// ValidateMessageID validates a signaling message ID
func ValidateMessageID(messageID string) error {
	return validateIdentifier(messageID, "message ID")
}

func validateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateParticipants validates an invite list: non-empty, well-formed, no duplicates
func ValidateParticipants(participants []string) error {
	if len(participants) == 0 {
		return fmt.Errorf("at least one participant is required")
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if err := ValidateUserID(p); err != nil {
			return fmt.Errorf("participant %q: %w", p, err)
		}
		if seen[p] {
			return fmt.Errorf("duplicate participant %q", p)
		}
		seen[p] = true
	}
	return nil
}

// ValidateSDP validates a session description payload
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("sdp is too large (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("sdp must start with a version line")
	}
	return nil
}

// ValidateCandidate validates an ICE candidate line. An empty candidate marks end-of-candidates.
func ValidateCandidate(candidate string) error {
	if len(candidate) > maxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", maxCandidateLength)
	}
	if candidate != "" && !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("invalid candidate format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateQuality validates a screen share quality preset
func ValidateQuality(quality string) error {
	validQualities := map[string]bool{
		"":       true,
		"low":    true,
		"medium": true,
		"high":   true,
	}
	if !validQualities[quality] {
		return fmt.Errorf("invalid quality level (must be low, medium, or high)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
