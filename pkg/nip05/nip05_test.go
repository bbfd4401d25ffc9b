package nip05

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryIdentifierRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	_, err := QueryIdentifier(ctx, "a@b@c")
	require.Error(t, err)
	_, err = QueryIdentifier(ctx, "name@nodomain")
	require.Error(t, err)
	_, err = QueryIdentifier(ctx, "localhost")
	require.Error(t, err)
}

func TestVerifyFailsOnBadIdentifier(t *testing.T) {
	assert.False(t, Verify(context.Background(), "aa", "not@valid@at@all"))
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeIdentifier("_@example.com"))
	assert.Equal(t, "bob@example.com", NormalizeIdentifier("bob@example.com"))
	assert.Equal(t, "example.com", NormalizeIdentifier("example.com"))
}
