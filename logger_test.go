package dualkv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).WithColumn("txhash")

	l.LogWrite(ctx, 3, 7, nil)
	assert.Contains(t, buf.String(), "write completed")
	assert.Contains(t, buf.String(), "column=txhash")
	assert.Contains(t, buf.String(), "seq=7")

	buf.Reset()
	l.LogSeal(ctx, "p0", 0, errors.New("disk full"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "partition=p0")

	buf.Reset()
	l.LogRebuild(ctx, "p1", 2, nil)
	assert.Contains(t, buf.String(), "rebuild completed")
	assert.Contains(t, buf.String(), "epoch=2")

	buf.Reset()
	NoopLogger().LogRecovery(ctx, "p0", 10, nil)
	assert.Empty(t, buf.String())
}

func TestBasicMetricsCollector_MaxLag(t *testing.T) {
	var m BasicMetricsCollector
	m.OnLag("p0", 5)
	m.OnLag("p1", 3)
	m.OnLag("p2", 9)
	m.OnMerge("p0", 0, 4, 100, 0, nil)
	m.OnMerge("p0", 1, 4, 0, 0, errors.New("boom"))

	st := m.GetStats()
	assert.Equal(t, uint64(9), st.MaxLag)
	assert.Equal(t, int64(2), st.MergeCount)
	assert.Equal(t, int64(1), st.MergeErrors)
	assert.Equal(t, int64(100), st.MergedRows)
}
