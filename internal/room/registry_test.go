package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_IdempotentOnDuplicate(t *testing.T) {
	r := NewRegistry[string]()

	assert.True(t, r.Add("r1", "a", "media-a"))
	assert.False(t, r.Add("r1", "a", "media-a2"))

	media, ok := r.Media("r1", "a")
	require.True(t, ok)
	assert.Equal(t, "media-a", media, "duplicate add must not replace the handle")
	assert.Equal(t, 1, r.Participants())
}

func TestListOthers_InsertionOrderExcludingSelf(t *testing.T) {
	r := NewRegistry[int]()
	r.Add("r1", "a", 1)
	r.Add("r1", "b", 2)
	r.Add("r1", "c", 3)

	assert.Equal(t, []string{"b", "c"}, r.ListOthers("r1", "a"))
	assert.Equal(t, []string{"a", "c"}, r.ListOthers("r1", "b"))
	assert.Equal(t, []string{"a", "b", "c"}, r.ListOthers("r1", "zzz"))
}

func TestListOthers_AbsentRoomIsEmpty(t *testing.T) {
	r := NewRegistry[int]()

	got := r.ListOthers("nope", "a")
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRemove_DeletesEmptyRoom(t *testing.T) {
	r := NewRegistry[int]()
	r.Add("r1", "a", 1)
	r.Add("r1", "b", 2)

	assert.True(t, r.Remove("r1", "a"))
	assert.Equal(t, []string{"b"}, r.ListOthers("r1", ""))
	assert.Equal(t, 1, r.Rooms())

	assert.True(t, r.Remove("r1", "b"))
	assert.Equal(t, 0, r.Rooms())
	assert.False(t, r.Remove("r1", "b"))
	assert.False(t, r.Remove("missing", "b"))
}

func TestRoundTrip_AddListRemove(t *testing.T) {
	r := NewRegistry[int]()
	r.Add("r1", "a", 1)
	r.Add("r1", "b", 2)

	assert.Contains(t, r.ListOthers("r1", "a"), "b")
	r.Remove("r1", "b")
	assert.NotContains(t, r.ListOthers("r1", "a"), "b")
	assert.False(t, r.Contains("r1", "b"))
}

func TestRooms_AreIndependent(t *testing.T) {
	r := NewRegistry[int]()
	r.Add("r1", "a", 1)
	r.Add("r2", "b", 2)

	assert.Equal(t, 2, r.Rooms())
	assert.Equal(t, []string{"a"}, r.ListOthers("r1", ""))
	assert.Equal(t, []string{"b"}, r.ListOthers("r2", ""))
	assert.Equal(t, []string{"r2"}, r.RoomsOf("b"))
	assert.Empty(t, r.RoomsOf("c"))
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			room := fmt.Sprintf("r%d", i%4)
			r.Add(room, id, i)
			_ = r.ListOthers(room, id)
			if i%2 == 0 {
				r.Remove(room, id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.Participants())
	// Even ids landed in r0 and r2 and were all removed again.
	assert.Equal(t, 2, r.Rooms())
}
