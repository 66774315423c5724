package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		in        string
		provider  string
		container string
	}{
		{"aws:my-project", ProviderAWS, "my-project--toil"},
		{"s3:p1", ProviderAWS, "p1--toil"},
		{"MINIO:demo", ProviderMinio, "demo--toil"},
		{"file:local", ProviderGoCloud, "local--toil"},
		{"redis:r", ProviderRedis, "r--toil"},
		{"gridfs:docs", ProviderMongoDB, "docs--toil"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			l, err := ParseLocator(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, l.Provider)
			assert.Equal(t, tt.container, l.Container())
			assert.Equal(t, strings.ToLower(tt.in), l.String())
		})
	}
}

func TestParseLocatorInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"aws",
		"aws:",
		"ftp:name",
		"aws:Upper",
		"aws:under_score",
		"aws:-leading",
		"aws:trailing-",
		"aws:double--dash",
		"aws:" + strings.Repeat("a", 58),
	} {
		_, err := ParseLocator(in)
		assert.Error(t, err, in)
	}

	_, err := ParseLocator("aws:" + strings.Repeat("a", 57))
	assert.NoError(t, err, "57 characters plus the suffix fit a bucket name")
}
