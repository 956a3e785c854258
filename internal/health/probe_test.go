package health

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcProbe_Self(t *testing.T) {
	u, err := ProcProbe{}.Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, u.RSS, uint64(0))
}

func TestProcProbe_InvalidPID(t *testing.T) {
	_, err := ProcProbe{}.Sample(context.Background(), 0)
	assert.Error(t, err)
}

func TestUsage_OverLimit(t *testing.T) {
	u := Usage{RSS: 600 << 20}
	assert.True(t, u.OverLimit(500<<20))
	assert.False(t, u.OverLimit(700<<20))
	assert.False(t, u.OverLimit(0))
}
