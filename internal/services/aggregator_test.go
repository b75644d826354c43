package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderArtifacts(t *testing.T) {
	names := []string{
		"abc/pages_21-30.txt",
		"abc/document.txt",
		"abc/pages_11-20.txt",
		"abc/notes.md",
		"abc/pages_1-10.txt",
	}
	assert.Equal(t, []artifact{
		{name: "abc/pages_1-10.txt", start: 1, end: 10},
		{name: "abc/pages_11-20.txt", start: 11, end: 20},
		{name: "abc/pages_21-30.txt", start: 21, end: 30},
	}, orderArtifacts(names))

	assert.Empty(t, orderArtifacts([]string{"abc/document.txt"}))
}

func TestOrderArtifactsOverlappingRanges(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		want  []artifact
	}{
		{
			name:  "same start keeps the widest",
			names: []string{"k/pages_1-5.txt", "k/pages_1-10.txt"},
			want:  []artifact{{name: "k/pages_1-10.txt", start: 1, end: 10}},
		},
		{
			name:  "contained range dropped",
			names: []string{"k/pages_1-10.txt", "k/pages_3-4.txt", "k/pages_11-12.txt"},
			want: []artifact{
				{name: "k/pages_1-10.txt", start: 1, end: 10},
				{name: "k/pages_11-12.txt", start: 11, end: 12},
			},
		},
		{
			name:  "partial overlap skips covered pages",
			names: []string{"k/pages_4-8.txt", "k/pages_1-5.txt"},
			want: []artifact{
				{name: "k/pages_1-5.txt", start: 1, end: 5},
				{name: "k/pages_4-8.txt", start: 4, end: 8, skipThrough: 5},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orderArtifacts(tt.names))
		})
	}
}

func TestDropPagesThrough(t *testing.T) {
	text := "--- Page 4 ---\nfour\n\n--- Page 5 ---\nfive\n\n--- Page 6 ---\nsix"
	assert.Equal(t, "--- Page 6 ---\nsix", dropPagesThrough(text, 5))
	assert.Equal(t, text, dropPagesThrough(text, 3))
	assert.Empty(t, dropPagesThrough(text, 6))
}
