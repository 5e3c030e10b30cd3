package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{Mode: "bogus", Data: dir}
	require.NoError(t, p.Validate())

	assert.Equal(t, "demo", p.Mode)
	assert.Equal(t, "sqlite", p.Driver)
	assert.Equal(t, filepath.Join(dir, "chatsync_demo.db"), p.DSN)
	assert.NotEmpty(t, p.Secret)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		profile *Profile
	}{
		{"unknown driver", &Profile{Mode: "dev", Driver: "mysql"}},
		{"postgres without dsn", &Profile{Mode: "dev", Driver: "postgres"}},
		{"missing data dir", &Profile{Mode: "dev", Data: "/nonexistent/chatsync/data"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.profile.Driver == "postgres" || tt.profile.Data == "" {
				tt.profile.Data = t.TempDir()
			}
			if err := tt.profile.Validate(); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestValidateProdRequiresSecret(t *testing.T) {
	p := &Profile{Mode: "prod", Data: t.TempDir()}
	require.Error(t, p.Validate())

	p = &Profile{Mode: "prod", Data: t.TempDir(), Secret: "s3cret"}
	require.NoError(t, p.Validate())
	assert.False(t, p.IsDev())
}

func TestValidateClient(t *testing.T) {
	p := &Profile{ServerURL: "http://example.com/", Token: "tok"}
	require.NoError(t, p.ValidateClient())

	assert.Equal(t, "http://example.com", p.ServerURL)
	assert.Equal(t, DefaultRefreshInterval, p.RefreshInterval)
	assert.Equal(t, DefaultListInterval, p.ListInterval)
	assert.Equal(t, DefaultSaveTimeout, p.SaveTimeout)
	assert.Equal(t, DefaultLLMProvider, p.LLMProvider)
	assert.Equal(t, DefaultLLMBaseURL, p.LLMBaseURL)
	assert.Equal(t, DefaultLLMModel, p.LLMModel)
	assert.False(t, p.IsLLMEnabled(), "deepseek needs an API key")

	p.LLMAPIKey = "sk-test"
	assert.True(t, p.IsLLMEnabled())

	p = &Profile{Token: "tok", LLMProvider: "ollama"}
	require.NoError(t, p.ValidateClient())
	assert.Equal(t, DefaultOllamaBaseURL, p.LLMBaseURL)
	assert.True(t, p.IsLLMEnabled())

	require.Error(t, (&Profile{}).ValidateClient())
}
