package throttle

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewLimiter(t *testing.T) {
	tests := []struct {
		name      string
		rate      int
		burst     int
		wantNil   bool
		wantBurst int
	}{
		{name: "disabled", rate: 0, wantNil: true},
		{name: "negative", rate: -5, wantNil: true},
		{name: "explicit burst", rate: 1000, burst: 500, wantBurst: 500},
		{name: "burst raised to a tenth of the rate", rate: 1000, burst: 10, wantBurst: 100},
		{name: "tiny rate", rate: 5, wantBurst: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim := NewLimiter(tt.rate, tt.burst)
			if tt.wantNil {
				assert.Nil(t, lim)
				return
			}

			require.NotNil(t, lim)
			assert.Equal(t, tt.wantBurst, lim.Burst())
			assert.Equal(t, rate.Limit(tt.rate), lim.Limit())
		})
	}
}

func TestWrapConnPassthrough(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	assert.Same(t, a, WrapConn(a, nil, nil))
}

func TestConnLimitsWrites(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = b.Close() }()

	// 1000 B/s with a 100 B burst: 300 bytes need at least 0.2s beyond the burst
	c := WrapConn(a, NewLimiter(1000, 100), nil)
	defer func() { _ = c.Close() }()

	payload := bytes.Repeat([]byte{0x42}, 300)

	go func() {
		_, _ = c.Write(payload)
	}()

	start := time.Now()

	got := make([]byte, len(payload))
	_, err := io.ReadFull(b, got)
	require.NoError(t, err)

	assert.Equal(t, payload, got)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestConnCloseReleasesWriter(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = b.Close() }()

	c := WrapConn(a, NewLimiter(1, 1), nil)

	// drain so the first byte is written and the limiter blocks on the second
	go func() { _, _ = io.Copy(io.Discard, b) }()

	errCh := make(chan error, 1)

	go func() {
		_, err := c.Write([]byte("hello"))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write still blocked after close")
	}
}

func TestConnLimitsReads(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = a.Close() }()

	c := WrapConn(b, nil, NewLimiter(1000, 100))
	defer func() { _ = c.Close() }()

	go func() {
		_, _ = a.Write(bytes.Repeat([]byte{0x42}, 300))
	}()

	start := time.Now()

	buf := make([]byte, 300)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer

	assert.Same(t, &buf, Writer(context.Background(), &buf, nil))

	w := Writer(context.Background(), &buf, NewLimiter(1000, 100))

	n, err := w.Write(bytes.Repeat([]byte{0x42}, 250))
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Equal(t, 250, buf.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Writer(ctx, &buf, NewLimiter(1, 1)).Write([]byte("blocked"))
	require.Error(t, err)
}
