package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Profile is a user's public record.
//
// Conversations is a denormalized index derived from Conversation.UIDs.
// It is rebuilt by the sync manager and never edited directly.
type Profile struct {
	UID            string   `json:"uid"`
	Name           string   `json:"name"`
	ProfilePicture string   `json:"profilePicture,omitempty"`
	Email          string   `json:"email,omitempty"`
	UserCode       string   `json:"userCode,omitempty"`
	Conversations  []string `json:"conversations"`
}

func (p *Profile) Validate() error {
	if p.UID == "" {
		return invalid("uid", "is required")
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return invalid("email", "%q is not an address", p.Email)
	}
	return nil
}

// ParseProfile decodes a profile record. A missing conversations list
// becomes an empty one.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.Conversations == nil {
		p.Conversations = []string{}
	}
	return &p, nil
}
