package orderedmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddKeepsInsertionOrder(t *testing.T) {
	m := New[string, int]()

	assert.True(t, m.Add("b", 2))
	assert.True(t, m.Add("a", 1))
	assert.False(t, m.Add("b", 3))
	assert.True(t, m.Add("c", 3))

	assert.Equal(t, []int{2, 1, 3}, m.Values())
	assert.Equal(t, 3, m.Len())

	v, exist := m.Get("b")
	assert.True(t, exist)
	assert.Equal(t, 2, v)

	_, exist = m.Get("x")
	assert.False(t, exist)
}

func TestForeachAbort(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 5; i++ {
		m.Add(i, i*10)
	}

	var keys []int
	m.Foreach(func(k, _ int) bool {
		keys = append(keys, k)
		return k < 2
	})

	assert.Equal(t, []int{0, 1, 2}, keys)
}
