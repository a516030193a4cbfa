package ipc

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procsim/internal/process"
)

var (
	writer = process.Ref{PID: 1, Name: "Producer"}
	reader = process.Ref{PID: 2, Name: "Consumer"}
)

func TestChannelCapacityTwo(t *testing.T) {
	c := NewChannel[string](2, nil)

	assert.True(t, c.Write(writer, "a"))
	assert.True(t, c.Write(writer, "b"))
	assert.False(t, c.Write(writer, "c"))
	assert.True(t, c.IsFull())
	assert.Equal(t, FillFull, c.Fill())

	item, ok := c.Read(reader)
	require.True(t, ok)
	assert.Equal(t, "a", item)
	assert.Equal(t, FillPartial, c.Fill())

	assert.True(t, c.Write(writer, "c"))
	assert.Equal(t, []string{"b", "c"}, c.Items())
}

func TestChannelReadEmpty(t *testing.T) {
	c := NewChannel[int](3, nil)
	_, ok := c.Read(reader)
	assert.False(t, ok)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, FillEmpty, c.Fill())
	writes, reads := c.Totals()
	assert.Zero(t, writes)
	assert.Zero(t, reads)
}

func TestChannelFIFO(t *testing.T) {
	c := NewChannel[int](5, nil)
	for i := 0; i < 5; i++ {
		require.True(t, c.Write(writer, i))
	}
	for i := 0; i < 5; i++ {
		got, ok := c.Read(reader)
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
}

func TestChannelAuditLog(t *testing.T) {
	c := NewChannel[string](2, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	c.Write(writer, "Item #1")
	c.Write(writer, "Item #2")
	c.Write(writer, "Item #3") // rejected, not audited
	c.Read(reader)

	log := c.Recent(0)
	require.Len(t, log, 3)
	assert.Equal(t, "write", log[0].Action)
	assert.Equal(t, 1, log[0].Size)
	assert.Equal(t, writer, log[0].Actor)
	assert.Equal(t, "read", log[2].Action)
	assert.Equal(t, "Item #1", log[2].Item)
	assert.Equal(t, 1, log[2].Size)
	assert.Equal(t, base.Add(3*time.Second), log[2].Time)

	assert.Len(t, c.Recent(2), 2)
	assert.Equal(t, "Item #2", c.Recent(2)[0].Item)

	writes, reads := c.Totals()
	assert.Equal(t, 2, writes)
	assert.Equal(t, 1, reads)
}

func TestChannelViewAndClear(t *testing.T) {
	c := NewChannel[string](3, nil)
	c.Write(writer, "Item #1")
	c.Write(writer, "Item #2")

	v := c.View(1)
	assert.Equal(t, 3, v.Capacity)
	assert.Equal(t, []string{"Item #1", "Item #2"}, v.Items)
	assert.Equal(t, FillPartial, v.Fill)
	require.Len(t, v.Recent, 1)
	assert.Equal(t, "P1(Producer)", v.Recent[0].Actor)
	assert.Empty(t, c.View(0).Recent)

	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.Empty(t, c.Recent(0))
	writes, _ := c.Totals()
	assert.Zero(t, writes)
}

// Size stays within [0, capacity] and reads return writes in order.
func TestChannelRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	c := NewChannel[int](4, nil)
	var model []int
	next := 0

	for i := 0; i < 5000; i++ {
		if rng.Intn(2) == 0 {
			ok := c.Write(writer, next)
			require.Equal(t, len(model) < 4, ok)
			if ok {
				model = append(model, next)
			}
			next++
		} else {
			got, ok := c.Read(reader)
			require.Equal(t, len(model) > 0, ok)
			if ok {
				require.Equal(t, model[0], got)
				model = model[1:]
			}
		}
		require.GreaterOrEqual(t, c.Size(), 0)
		require.LessOrEqual(t, c.Size(), c.Capacity())
		require.Equal(t, len(model), c.Size())
	}
}
