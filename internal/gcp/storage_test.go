package gcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGCSUri(t *testing.T) {
	bucket, object, err := ParseGCSUri("gs://uploads/manuals/pump.pdf")
	require.NoError(t, err)
	assert.Equal(t, "uploads", bucket)
	assert.Equal(t, "manuals/pump.pdf", object)

	for _, bad := range []string{"", "uploads/pump.pdf", "gs://uploads", "gs://uploads/", "gs:///pump.pdf"} {
		_, _, err := ParseGCSUri(bad)
		assert.Error(t, err, bad)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("OCR_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnv("OCR_TEST_VALUE", "default"))
	assert.Equal(t, "default", GetEnv("OCR_TEST_MISSING", "default"))
}
