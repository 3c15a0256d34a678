package resource

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.Equal(t, int64(2), c.Stats().ActiveWorkers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireBackground(ctx))

	c.ReleaseBackground()
	assert.Equal(t, int64(1), c.Stats().ActiveWorkers)
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.Equal(t, int64(2), c.Stats().MaxWorkers)
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})
	require.NoError(t, c.AcquireIO(context.Background(), 100))
	require.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.Equal(t, int64(200), c.Stats().IOBytes)

	unlimited := NewController(Config{})
	require.NoError(t, unlimited.AcquireIO(context.Background(), 1<<30))
	assert.Equal(t, int64(1<<30), unlimited.Stats().IOBytes)
}

func TestController_IOLargerThanBurst(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AcquireIO(ctx, (1<<20)+10))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller
	assert.NoError(t, c.AcquireBackground(context.Background()))
	c.ReleaseBackground()
	assert.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.Equal(t, Stats{}, c.Stats())
}

func TestRateLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})
	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})
	r := NewRateLimitedReader(context.Background(), bytes.NewReader([]byte("hello world")), c)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11), c.Stats().IOBytes)
}

func TestRateLimitedReader_ContextCanceled(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRateLimitedReader(ctx, bytes.NewReader([]byte("hello world")), c)
	_, err := r.Read(make([]byte, 1000))
	assert.ErrorIs(t, err, context.Canceled)
}
