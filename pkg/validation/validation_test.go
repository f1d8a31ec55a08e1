package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"email-like", "bob@example.com", false},
		{"dotted", "carol.smith", false},
		{"empty", "", true},
		{"spaces", "al ice", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.userID)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateUserID(%q) = %v", tt.userID, err)
		})
	}
}

func TestValidateCallID(t *testing.T) {
	assert.NoError(t, ValidateCallID("5f0c2a8e-1d2b-4c3a-9e8f-0a1b2c3d4e5f"))
	assert.Error(t, ValidateCallID(""))
	assert.Error(t, ValidateCallID("call/1"))
	assert.NoError(t, ValidateMessageID("msg_abc123"))
}

func TestValidateParticipants(t *testing.T) {
	assert.NoError(t, ValidateParticipants([]string{"alice", "bob"}))
	assert.Error(t, ValidateParticipants(nil))
	assert.Error(t, ValidateParticipants([]string{"alice", "alice"}))
	assert.Error(t, ValidateParticipants([]string{"alice", ""}))
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, ValidateSDP("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"))
	assert.Error(t, ValidateSDP(""))
	assert.Error(t, ValidateSDP("o=- 1 2 IN IP4 127.0.0.1"))
	assert.Error(t, ValidateSDP("v=0"+strings.Repeat("a", maxSDPLength)))
}

func TestValidateCandidate(t *testing.T) {
	assert.NoError(t, ValidateCandidate(""))
	assert.NoError(t, ValidateCandidate("candidate:1 1 UDP 2122252543 192.168.1.2 50000 typ host"))
	assert.Error(t, ValidateCandidate("a=candidate"))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid ws", "ws://localhost:8081/ws", false},
		{"valid https", "https://example.com", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "ws://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestValidateQuality(t *testing.T) {
	for _, q := range []string{"", "low", "medium", "high"} {
		assert.NoError(t, ValidateQuality(q), q)
	}
	assert.Error(t, ValidateQuality("ultra"))
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("hello", 1, 10, "text"))
	assert.Error(t, ValidateStringLength("", 1, 10, "text"))
	assert.Error(t, ValidateStringLength(strings.Repeat("é", 11), 1, 10, "text"))
	assert.Error(t, ValidateStringLength(string([]byte{0xff}), 0, 10, "text"))
	assert.Error(t, ValidateNonEmptyString("   ", "text"))
}
