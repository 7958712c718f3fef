package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	assert.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(n int) int { return n * 2 }))
	assert.Equal(t, []string{}, Map([]string{}, func(s string) string { return s }))
}

func TestFilter(t *testing.T) {
	assert.Equal(t, []int{2, 4}, Filter([]int{1, 2, 3, 4}, func(n int) bool { return n%2 == 0 }))
}

func TestKeysValues(t *testing.T) {
	m := map[string]int{"a": 1, "b": 2}
	assert.ElementsMatch(t, []string{"a", "b"}, Keys(m))
	assert.ElementsMatch(t, []int{1, 2}, Values(m))
	assert.Equal(t, []string{"a", "b"}, SortedKeys(m))
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, 1, Min([]int{3, 1, 2}))
	assert.Equal(t, 3, Max([]int{3, 1, 2}))
	assert.Equal(t, "a", Min([]string{"b", "a"}))
}
