package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type captured struct {
	text string
	kind LineKind
}

func TestLineWriterSplitsAcrossChunks(t *testing.T) {
	var got []captured
	w := NewLineWriter(LineLog, func(text string, kind LineKind) {
		got = append(got, captured{text, kind})
	})

	_, _ = w.Write([]byte("first li"))
	_, _ = w.Write([]byte("ne\n\n   \nsecond\r\nthi"))
	assert.Len(t, got, 2)

	w.Flush()
	assert.Equal(t, []captured{
		{"first line", LineLog},
		{"second", LineLog},
		{"thi", LineLog},
	}, got)
	assert.Equal(t, "first line\n\n   \nsecond\r\nthi", w.String())
}

func TestLineWriterNilCallback(t *testing.T) {
	w := NewLineWriter(LineError, nil)
	n, err := w.Write([]byte("x\ny\n"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	w.Flush()
	assert.Equal(t, "x\ny\n", w.String())
}

func TestHealthUsable(t *testing.T) {
	assert.True(t, HealthHealthy.Usable())
	assert.True(t, HealthUnknown.Usable())
	assert.False(t, HealthUnhealthy.Usable())
	assert.Equal(t, "unknown", HealthUnknown.String())
}
