package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/agentd/run"
)

func msg(id string) run.Message {
	return run.Message{MessageID: id, Role: run.RoleUser, Content: "m-" + id}
}

func TestGetMissesColdThread(t *testing.T) {
	c := New(10, 10, time.Minute)
	_, ok := c.Get("t1")
	assert.False(t, ok)
}

func TestReplaceAndGet(t *testing.T) {
	c := New(10, 10, time.Minute)
	c.Replace("t1", []run.Message{msg("a"), msg("b")})

	got, ok := c.Get("t1")
	assert.True(t, ok)
	assert.Len(t, got, 2)

	// The cache hands out copies.
	got[0].Content = "mutated"
	again, _ := c.Get("t1")
	assert.Equal(t, "m-a", again[0].Content)
}

func TestAppendOnlyWarmsExistingThreads(t *testing.T) {
	c := New(10, 10, time.Minute)

	// Cold thread: append is a no-op.
	c.Append("t1", msg("a"))
	_, ok := c.Get("t1")
	assert.False(t, ok)

	c.Replace("t1", []run.Message{msg("a")})
	c.Append("t1", msg("b"))
	got, ok := c.Get("t1")
	assert.True(t, ok)
	assert.Len(t, got, 2)
}

func TestPerThreadCapKeepsRecent(t *testing.T) {
	c := New(10, 3, time.Minute)
	c.Replace("t1", []run.Message{msg("a"), msg("b"), msg("c"), msg("d")})
	got, _ := c.Get("t1")
	assert.Len(t, got, 3)
	assert.Equal(t, "b", got[0].MessageID)

	c.Append("t1", msg("e"))
	got, _ = c.Get("t1")
	assert.Len(t, got, 3)
	assert.Equal(t, "e", got[2].MessageID)
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Replace("t1", []run.Message{msg("a")})
	now = now.Add(2 * time.Minute)
	_, ok := c.Get("t1")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := New(2, 10, time.Minute)
	c.Replace("t1", []run.Message{msg("a")})
	c.Replace("t2", []run.Message{msg("b")})
	c.Get("t1") // t1 stays cold in LRU order; Get does not touch

	c.Replace("t3", []run.Message{msg("c")})
	_, ok := c.Get("t1")
	assert.False(t, ok)
	_, ok = c.Get("t2")
	assert.True(t, ok)
	_, ok = c.Get("t3")
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New(10, 10, time.Minute)
	c.Replace("t1", []run.Message{msg("a")})
	c.Invalidate("t1")
	_, ok := c.Get("t1")
	assert.False(t, ok)
}

func TestManyThreadsStayBounded(t *testing.T) {
	c := New(5, 10, time.Minute)
	for i := 0; i < 20; i++ {
		c.Replace(fmt.Sprintf("t%d", i), []run.Message{msg("a")})
	}
	warm := 0
	for i := 0; i < 20; i++ {
		if _, ok := c.Get(fmt.Sprintf("t%d", i)); ok {
			warm++
		}
	}
	assert.Equal(t, 5, warm)
}
