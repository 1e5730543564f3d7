package apiclient

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestResponseCache_HitWithinTTL(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newResponseCache(true, 100*time.Millisecond, fc)

	c.put("/weather", []byte(`{"temp":31}`), 0)
	fc.Advance(50 * time.Millisecond)

	data, ok := c.get("/weather")
	assert.True(t, ok)
	assert.JSONEq(t, `{"temp":31}`, string(data))
}

func TestResponseCache_ExpiresAfterTTL(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newResponseCache(true, 100*time.Millisecond, fc)

	c.put("/weather", []byte(`{"temp":31}`), 0)
	fc.Advance(150 * time.Millisecond)

	_, ok := c.get("/weather")
	assert.False(t, ok)
	assert.Zero(t, c.size(), "expired entry is deleted lazily on lookup")
}

func TestResponseCache_PerEntryTTLOverridesDefault(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newResponseCache(true, time.Minute, fc)

	c.put("/fast", []byte(`1`), 100*time.Millisecond)
	c.put("/slow", []byte(`2`), 0)
	fc.Advance(time.Second)

	_, ok := c.get("/fast")
	assert.False(t, ok)
	_, ok = c.get("/slow")
	assert.True(t, ok)
}

func TestResponseCache_Disabled(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newResponseCache(false, time.Minute, fc)

	c.put("/weather", []byte(`1`), 0)
	_, ok := c.get("/weather")
	assert.False(t, ok)
	assert.Zero(t, c.size())
}

func TestResponseCache_Clear(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newResponseCache(true, time.Minute, fc)

	c.put("/a", []byte(`1`), 0)
	c.put("/b", []byte(`2`), 0)
	assert.Equal(t, 2, c.size())

	c.clear()
	assert.Zero(t, c.size())
}
