package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewCacheMetrics(reg)

	m.OpInc("tags", "set_field")
	m.OpInc("tags", "set_field")
	m.DirtyQueueSet(3)

	assert.Equal(t, float64(2), Value(m.ops.WithLabelValues("tags", "set_field")))
	assert.Equal(t, float64(3), Value(m.dirtyGauge))
}

func TestStoreMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewStoreMetrics(reg)

	m.OpInc("books", "insert_row")
	m.RetryInc()
	m.RetryInc()

	assert.Equal(t, float64(1), Value(m.ops.WithLabelValues("books", "insert_row")))
	assert.Equal(t, float64(2), Value(m.retries))
}

func TestNormalizePattern(t *testing.T) {
	assert.Equal(t, "/author", normalizePattern("/author/{foreignAuthorID}"))
	assert.Equal(t, "/book/bulk", normalizePattern("/book/bulk"))
}
