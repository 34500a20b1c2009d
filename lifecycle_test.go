package syuink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syuink/node/internal/reflector"
)

func TestReflectorChanNilWhenReflectorDisabled(t *testing.T) {
	assert.Nil(t, reflectorChan(nil))
}

func TestReflectorChanForwardsInboundChannel(t *testing.T) {
	r := &reflector.Reflector{In: make(chan reflector.Inbound, 1)}
	ch := reflectorChan(r)

	r.In <- reflector.Inbound{Group: reflector.Group{Name: "mdns"}, Payload: []byte("hi")}
	got := <-ch
	assert.Equal(t, "mdns", got.Group.Name)
	assert.Equal(t, []byte("hi"), got.Payload)
}
