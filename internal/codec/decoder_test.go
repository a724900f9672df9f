package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"streamsync/internal/broker"
	"streamsync/internal/domain"
)

func mustPack(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	b, err := msgpack.Marshal(doc)
	require.NoError(t, err)
	return string(b)
}

func TestEntryCanonicalPayload(t *testing.T) {
	d := NewDecoder(Msgpack{})
	blob := mustPack(t, map[string]interface{}{
		"name":         "train_model",
		"trigger_time": int64(1715000000),
		"priority":     int64(7),
		"retry_count":  int64(2),
		"max_retry":    int64(5),
		"metadata":     map[string]interface{}{"provider": "acme"},
	})

	task, err := d.Entry("gpu-jobs", broker.Entry{ID: "1715000000000-0", Values: map[string]interface{}{
		PayloadField: blob,
	}})
	require.NoError(t, err)

	assert.Equal(t, "1715000000000-0", task.ID)
	assert.Equal(t, "gpu-jobs", task.QueueName)
	assert.Equal(t, "train_model", task.TaskName)
	assert.Equal(t, 7, task.Priority)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, 5, task.MaxRetry)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, map[string]interface{}{"provider": "acme"}, task.Metadata)
	require.NotNil(t, task.CreatedAt)
	assert.Equal(t, time.Unix(1715000000, 0).UTC(), *task.CreatedAt)
}

func TestEntryTaskNameFallbacks(t *testing.T) {
	d := NewDecoder(Msgpack{})

	task, err := d.Entry("q", broker.Entry{ID: "1-0", Values: map[string]interface{}{
		PayloadField: mustPack(t, map[string]interface{}{"task": "cleanup"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, "cleanup", task.TaskName)

	task, err = d.Entry("q", broker.Entry{ID: "2-0", Values: map[string]interface{}{
		PayloadField: mustPack(t, map[string]interface{}{"foo": "bar"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, "unknown", task.TaskName)
}

func TestEntryCorruptPayloadErrors(t *testing.T) {
	d := NewDecoder(Msgpack{})
	_, err := d.Entry("q", broker.Entry{ID: "3-0", Values: map[string]interface{}{
		PayloadField: "\xc1and the rest",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3-0")
}

func TestEntryLegacyFields(t *testing.T) {
	d := NewDecoder(Msgpack{})
	task, err := d.Entry("legacy", broker.Entry{ID: "4-0", Values: map[string]interface{}{
		"name":         "resize",
		"trigger_time": "1715000000",
		"priority":     "3",
	}})
	require.NoError(t, err)

	assert.Equal(t, "resize", task.TaskName)
	assert.Equal(t, 3, task.Priority)
	require.NotNil(t, task.CreatedAt)
	assert.Equal(t, time.Unix(1715000000, 0).UTC(), *task.CreatedAt)
	assert.Equal(t, "resize", task.Payload["name"])
}

func TestEntryMalformedTriggerTime(t *testing.T) {
	d := NewDecoder(Msgpack{})

	task, err := d.Entry("q", broker.Entry{ID: "5-0", Values: map[string]interface{}{
		"name":         "x",
		"trigger_time": "soon",
	}})
	require.NoError(t, err)
	assert.Nil(t, task.CreatedAt)

	task, err = d.Entry("q", broker.Entry{ID: "6-0", Values: map[string]interface{}{"name": "x"}})
	require.NoError(t, err)
	assert.Nil(t, task.CreatedAt)
}

func TestDecodeFieldFallbackChain(t *testing.T) {
	d := NewDecoder(Msgpack{})

	text := d.decodeField("hello")
	assert.Equal(t, KindText, text.Kind)
	assert.Equal(t, "hello", text.Normalize())

	packed, err := msgpack.Marshal(map[string]interface{}{"a": "b"})
	require.NoError(t, err)
	doc := d.decodeField(packed)
	assert.Equal(t, KindDocument, doc.Kind)
	assert.Equal(t, map[string]interface{}{"a": "b"}, doc.Normalize())

	raw := d.decodeField([]byte{0xff, 0xfe})
	assert.Equal(t, KindRawBytes, raw.Kind)
	assert.Equal(t, "0xfffe", raw.Normalize())
}

// A batch with one bad entry must decode its siblings untouched.
func TestBatchIsolation(t *testing.T) {
	d := NewDecoder(Msgpack{})
	entries := []broker.Entry{
		{ID: "1-0", Values: map[string]interface{}{PayloadField: mustPack(t, map[string]interface{}{"name": "a"})}},
		{ID: "2-0", Values: map[string]interface{}{PayloadField: "\xc1"}},
		{ID: "3-0", Values: map[string]interface{}{PayloadField: mustPack(t, map[string]interface{}{"name": "c"})}},
	}

	var ok int
	for _, e := range entries {
		if _, err := d.Entry("q", e); err == nil {
			ok++
		}
	}
	assert.Equal(t, 2, ok)
}
