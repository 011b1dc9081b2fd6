package v1

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"ok", Envelope{V: Version, Type: TypeMessageSend, TS: now}, ""},
		{"missing version", Envelope{Type: TypeHello}, "missing field: v"},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, "unsupported protocol version"},
		{"missing type", Envelope{V: Version}, "missing field: type"},
		{"unknown type", Envelope{V: Version, Type: "conversation_join"}, "unknown type"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.env.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v want contains %q", err, tt.wantErr)
			}
		})
	}
}
