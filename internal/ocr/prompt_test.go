package ocr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, ocrPrompt, BuildPrompt([]int{5}))

	prompt := BuildPrompt([]int{3, 4})
	assert.Contains(t, prompt, "pages 3-4 of the original")
	assert.Contains(t, prompt, "--- Page 3 ---\n--- Page 4 ---")
}

func TestPageLabel(t *testing.T) {
	tests := []struct {
		pages []int
		want  string
	}{
		{nil, ""},
		{[]int{7}, "7"},
		{[]int{3, 4, 5, 6}, "3-6"},
		{[]int{1, 4, 9}, "1, 4, 9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pageLabel(tt.pages))
	}
}

func TestPartition(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, partition([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{2, 9}}, partition([]int{2, 9}, 4))
	assert.Nil(t, partition(nil, 4))
}

func TestBackoff(t *testing.T) {
	p := &Pipeline{cfg: Config{RetryDelayBase: 2 * time.Second}}
	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.Equal(t, 8*time.Second, p.backoff(3))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.PagesPerChunk = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ConcurrentRequests = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxRetries = 0
	assert.NoError(t, cfg.Validate())
}
