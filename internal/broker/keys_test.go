package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyPatterns(t *testing.T) {
	k := Keys{Prefix: "ss"}

	assert.Equal(t, "ss:QUEUE:gpu-jobs", k.Queue("gpu-jobs"))
	assert.Equal(t, "ss:QUEUE:*", k.QueuePattern())
	assert.Equal(t, "ss:TASK:1715-0", k.Task("1715-0"))
	assert.Equal(t, "ss:NODE:host-1", k.Node("host-1"))
	assert.Equal(t, "ss:NODE:*", k.NodePattern())
	assert.Equal(t, "ss:NODE_EVENTS", k.EventsChannel())

	assert.Equal(t, "gpu-jobs", k.QueueName("ss:QUEUE:gpu-jobs"))
	assert.Equal(t, "host-1", k.NodeID("ss:NODE:host-1"))
}

func TestIsNoGroup(t *testing.T) {
	assert.True(t, IsNoGroup(errNoGroup))
	assert.False(t, IsNoGroup(nil))
}

var errNoGroup = errString("NOGROUP No such consumer group 'g' for key name 'ss:QUEUE:q'")

type errString string

func (e errString) Error() string { return string(e) }
