package cmp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", normalizePath(""))
	assert.Equal(t, "/cmp", normalizePath("cmp"))
	assert.Equal(t, "/cmp", normalizePath("/cmp"))
}

func TestIsSuccessStatusLine(t *testing.T) {
	assert.True(t, isSuccessStatusLine("HTTP/1.1 200 Connection established"))
	assert.True(t, isSuccessStatusLine("HTTP/1.0 201 Created"))
	assert.False(t, isSuccessStatusLine("HTTP/1.1 407 Proxy Authentication Required"))
	assert.False(t, isSuccessStatusLine("garbage"))
	assert.False(t, isSuccessStatusLine("HTTP/1.1"))
}

func TestPerRequestDeadlineNoLimits(t *testing.T) {
	ctx := NewContext()
	d, err := perRequestDeadline(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)
}

func TestPerRequestDeadlineUsesMsgTimeoutWhenNoTotal(t *testing.T) {
	ctx := NewContext()
	ctx.MsgTimeout = 5 * time.Second
	d, err := perRequestDeadline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
}

func TestPerRequestDeadlineCapsToRemainingTotal(t *testing.T) {
	ctx := NewContext()
	ctx.MsgTimeout = time.Hour
	ctx.TotalTimeout = time.Minute
	ctx.beginTransaction()

	d, err := perRequestDeadline(ctx)
	require.NoError(t, err)
	assert.True(t, d <= time.Minute && d > 0)
}

func TestPerRequestDeadlineRejectsExpiredTransaction(t *testing.T) {
	ctx := NewContext()
	ctx.TotalTimeout = time.Millisecond
	ctx.beginTransaction()
	time.Sleep(5 * time.Millisecond)

	_, err := perRequestDeadline(ctx)
	assert.Error(t, err)
}
