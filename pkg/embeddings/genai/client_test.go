package genai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(base, max, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)

	_, err = NewClient(context.Background(), Config{ProjectID: "p"})
	assert.Error(t, err, "a project without a location is not a Vertex configuration")
}

func TestConfig_Vertex(t *testing.T) {
	assert.True(t, Config{ProjectID: "p", Location: "us-central1"}.vertex())
	assert.False(t, Config{APIKey: "k"}.vertex())
}
