package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPageClamps(t *testing.T) {
	require.Equal(t, Page{Limit: DefaultLimit}, NewPage(0, -3))
	require.Equal(t, Page{Limit: MaxLimit, Offset: 4}, NewPage(500, 4))
}

func TestPageWindow(t *testing.T) {
	p := NewPage(2, 1)
	var inside []int
	for i := 0; i < 10; i++ {
		in, done := p.Window(i)
		if done {
			break
		}
		if in {
			inside = append(inside, i)
		}
	}
	require.Equal(t, []int{1, 2}, inside)
}
