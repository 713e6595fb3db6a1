package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUniqueDBName(t *testing.T) {
	name, err := GenerateUniqueDBName("test_")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "test_"))
	assert.Len(t, name, len("test_")+16, "prefix plus 8 random bytes hex-encoded")
	assert.Equal(t, strings.ToLower(name), name)

	other, err := GenerateUniqueDBName("test_")
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
}

func TestGenerateUniqueDBName_TruncatesToIdentifierLimit(t *testing.T) {
	prefix := strings.Repeat("p", 70)
	name, err := GenerateUniqueDBName(prefix)
	require.NoError(t, err)
	assert.Len(t, name, 63)
}
