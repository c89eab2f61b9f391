package coreelf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWarningsCapacity(t *testing.T) {
	w := NewWarnings(MaxWarnings)

	for i := 0; i < MaxWarnings; i++ {
		assert.True(t, w.Add(fmt.Sprintf("warning %d", i)))
	}
	assert.False(t, w.Add("one too many"))
	assert.False(t, w.Add("two too many"))

	list := w.List()
	assert.Len(t, list, MaxWarnings)
	assert.Equal(t, "warning 0", list[0])
	assert.Equal(t, fmt.Sprintf("warning %d", MaxWarnings-1), list[MaxWarnings-1])
	assert.Equal(t, 2, w.Dropped())
	assert.Equal(t, MaxWarnings, cap(w.items))
}
