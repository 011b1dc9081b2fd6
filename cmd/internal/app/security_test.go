package app

import (
	"strings"
	"testing"

	"batchd/cmd/security/signature"
)

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name        string
		require     bool
		secret      string
		wantErr     string
		wantEnabled bool
	}{
		{name: "optional and unset", require: false, secret: "", wantEnabled: false},
		{name: "optional and set", require: false, secret: "0123456789abcdef", wantEnabled: true},
		{name: "required and unset", require: true, secret: "", wantErr: "is missing"},
		{name: "required and short", require: true, secret: "short", wantErr: "too short"},
		{name: "required and set", require: true, secret: "0123456789abcdef0123", wantEnabled: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(signature.SecretEnvKey, tc.secret)

			v, err := ValidateSecurityConfig(Config{RequireSignature: tc.require})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v want substring %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if v.Enabled() != tc.wantEnabled {
				t.Fatalf("Enabled()=%v want=%v", v.Enabled(), tc.wantEnabled)
			}
		})
	}
}
