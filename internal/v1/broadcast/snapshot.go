package broadcast

import (
	"sort"
)

// RoomSnapshot describes one active room for diagnostics.
type RoomSnapshot struct {
	Count         int      `json:"count"`
	ConnectionIDs []string `json:"connection_ids"`
}

// TaskSnapshot describes one consumer goroutine for diagnostics.
type TaskSnapshot struct {
	Done      bool   `json:"done"`
	Cancelled bool   `json:"cancelled"`
	Name      string `json:"name"`
	Exception string `json:"exception"`
}

// Snapshot captures the manager's room and task state at one instant.
type Snapshot struct {
	Rooms map[string]RoomSnapshot `json:"rooms"`
	Tasks map[string]TaskSnapshot `json:"broadcast_tasks"`
}

// Snapshot returns a point-in-time view of rooms and consumer tasks.
// Connection ids are sorted so identical states serialize identically.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Rooms: make(map[string]RoomSnapshot, len(m.rooms)),
		Tasks: make(map[string]TaskSnapshot, len(m.tasks)),
	}

	for roomID, subs := range m.rooms {
		ids := make([]string, 0, len(subs))
		for connID := range subs {
			ids = append(ids, string(connID))
		}
		sort.Strings(ids)
		snap.Rooms[string(roomID)] = RoomSnapshot{
			Count:         len(subs),
			ConnectionIDs: ids,
		}
	}

	for roomID, t := range m.tasks {
		done := false
		select {
		case <-t.done:
			done = true
		default:
		}
		snap.Tasks[string(roomID)] = TaskSnapshot{
			Done:      done,
			Cancelled: t.cancelled,
			Name:      t.name,
			Exception: t.exception,
		}
	}
	return snap
}
