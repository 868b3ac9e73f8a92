package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSecrets(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "development with weak token is fine",
			cfg:     Config{Environment: "development", AuthToken: "short"},
			wantErr: false,
		},
		{
			name:    "auth disabled in production is fine",
			cfg:     Config{Environment: "production", AuthToken: ""},
			wantErr: false,
		},
		{
			name:    "production with short token is rejected",
			cfg:     Config{Environment: "production", AuthToken: "short"},
			wantErr: true,
		},
		{
			name:    "production with long token passes",
			cfg:     Config{Environment: "production", AuthToken: "this-is-a-sufficiently-long-secret"},
			wantErr: false,
		},
		{
			name: "production TLS enabled without cert/key is rejected",
			cfg: Config{
				Environment: "production",
				AuthToken:   "this-is-a-sufficiently-long-secret",
				TLSEnabled:  true,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecrets(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
