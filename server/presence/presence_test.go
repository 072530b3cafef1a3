package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	c1 := r.Register("alice")
	assert.Equal(t, 1, r.Count("alice"))

	_ = r.Register("alice")
	assert.Equal(t, 2, r.Count("alice"))

	remaining := r.UnregisterOneAndCount("alice")
	assert.Equal(t, 1, remaining)

	select {
	case <-c1:
		t.Fatal("unregistering must not fire a remaining connection's cancel")
	default:
	}
}

func TestKickAllFiresAndClears(t *testing.T) {
	r := NewRegistry()
	c1 := r.Register("alice")
	c2 := r.Register("alice")

	n := r.KickAll("alice")
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, r.Count("alice"))

	_, ok1 := <-c1
	assert.False(t, ok1, "kicked channel must be closed")
	_, ok2 := <-c2
	assert.False(t, ok2, "kicked channel must be closed")
}

func TestKickAllEmptyUser(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.KickAll("nobody"))
}

func TestConcurrentRegisterIsRaceFree(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			r.Register("bob")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	require.Equal(t, 50, r.Count("bob"))
}
