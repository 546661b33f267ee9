package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/apperr"
)

func TestSanitize(t *testing.T) {
	got, err := Sanitize("  <b>When I saw</b> the report <script>alert(1)</script> ", 100)
	require.NoError(t, err)
	assert.Equal(t, "When I saw the report", got)

	got, err = Sanitize("I don't & won't", 100)
	require.NoError(t, err)
	assert.Equal(t, "I don't & won't", got)
}

func TestSanitizeRejectsEmptyAndOversized(t *testing.T) {
	_, err := Sanitize("   ", 100)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Sanitize("<script>alert(1)</script>", 100)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Sanitize(strings.Repeat("a", 11), 10)
	require.ErrorIs(t, err, apperr.ErrValidation)
}
