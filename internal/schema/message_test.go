package schema

import (
	"errors"
	"testing"
	"time"
)

func TestParseMessage_TimestampFormats(t *testing.T) {
	tests := []struct {
		name string
		json string
		want int64
	}{
		{"millis number", `{"messageId":"m1","timestamp":1700000000123}`, 1700000000123},
		{"millis string", `{"messageId":"m1","timestamp":"1700000000123"}`, 1700000000123},
		{"rfc3339", `{"messageId":"m1","timestamp":"2023-11-14T22:13:20.123Z"}`, 1700000000123},
		{"null", `{"messageId":"m1","timestamp":null}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.json))
			if err != nil {
				t.Fatalf("ParseMessage() failed: %v", err)
			}
			if got := UnixMilli(m.Timestamp); got != tt.want {
				t.Errorf("timestamp = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := ParseMessage([]byte(`{"messageId":"m1","timestamp":"yesterday"}`)); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestMessage_Validate(t *testing.T) {
	valid := Message{MessageID: "m1", ConversationID: "c1", UID: "bob", Timestamp: time.Now()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	missing := valid
	missing.UID = ""
	var verr *ValidationError
	if err := missing.Validate(); !errors.As(err, &verr) || verr.Field != "uid" {
		t.Errorf("Validate() = %v, want uid ValidationError", err)
	}
}

func TestParseProfile_DefaultsConversations(t *testing.T) {
	p, err := ParseProfile([]byte(`{"uid":"alice","name":"Alice","userCode":"ALC1"}`))
	if err != nil {
		t.Fatalf("ParseProfile() failed: %v", err)
	}
	if p.Conversations == nil {
		t.Error("Conversations should default to an empty list")
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	bad := Profile{UID: "x", Email: "nope"}
	if err := bad.Validate(); err == nil {
		t.Error("expected email validation error")
	}
}
