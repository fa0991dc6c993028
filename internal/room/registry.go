// Package room tracks which participants currently contribute media to which
// rooms.
package room

import "sync"

type member[M any] struct {
	id    string
	media M
}

// Registry maps a room id to its participants in arrival order, each with the
// handle of its inbound media. Empty rooms are removed.
//
// A Registry is safe for concurrent use.
type Registry[M any] struct {
	mu    sync.RWMutex
	rooms map[string][]member[M]
}

func NewRegistry[M any]() *Registry[M] {
	return &Registry[M]{rooms: make(map[string][]member[M])}
}

// Add appends id to room. It is a no-op returning false when id is already
// present in that room.
func (r *Registry[M]) Add(room, id string, media M) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	for _, m := range members {
		if m.id == id {
			return false
		}
	}
	r.rooms[room] = append(members, member[M]{id: id, media: media})
	return true
}

// ListOthers returns every participant of room except exclude, in the order
// they were added. The result is never nil.
func (r *Registry[M]) ListOthers(room, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.id != exclude {
			out = append(out, m.id)
		}
	}
	return out
}

// Remove deletes id from room and drops the room once it is empty. It reports
// whether id was present.
func (r *Registry[M]) Remove(room, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	for i, m := range members {
		if m.id != id {
			continue
		}
		if len(members) == 1 {
			delete(r.rooms, room)
			return true
		}
		// Copy rather than reslice so the backing array does not pin removed
		// media handles.
		next := make([]member[M], 0, len(members)-1)
		next = append(next, members[:i]...)
		next = append(next, members[i+1:]...)
		r.rooms[room] = next
		return true
	}
	return false
}

// Media returns the media handle registered for id in room.
func (r *Registry[M]) Media(room, id string) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.rooms[room] {
		if m.id == id {
			return m.media, true
		}
	}
	var zero M
	return zero, false
}

// Contains reports whether id is registered in room.
func (r *Registry[M]) Contains(room, id string) bool {
	_, ok := r.Media(room, id)
	return ok
}

// Rooms returns the number of non-empty rooms.
func (r *Registry[M]) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Participants returns the number of registered participants across all rooms.
func (r *Registry[M]) Participants() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}

// RoomsOf returns every room id that lists id. Outside of bugs this has at most
// one element.
func (r *Registry[M]) RoomsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for room, members := range r.rooms {
		for _, m := range members {
			if m.id == id {
				out = append(out, room)
				break
			}
		}
	}
	return out
}
