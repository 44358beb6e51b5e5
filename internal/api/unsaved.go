package api

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sells-group/localrank/internal/heatmap"
)

// unsavedScans holds summaries whose save failed, oldest first.
type unsavedScans struct {
	mu    sync.Mutex
	max   int
	order []uuid.UUID
	byID  map[uuid.UUID]*heatmap.ScanSummary
}

func newUnsavedScans(max int) *unsavedScans {
	return &unsavedScans{max: max, byID: map[uuid.UUID]*heatmap.ScanSummary{}}
}

// put stores s, evicting the oldest entry when full. It reports false when
// an entry had to be evicted.
func (u *unsavedScans) put(s *heatmap.ScanSummary) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byID[s.ID]; ok {
		u.byID[s.ID] = s
		return true
	}
	evicted := false
	if len(u.order) >= u.max {
		delete(u.byID, u.order[0])
		u.order = u.order[1:]
		evicted = true
	}
	u.order = append(u.order, s.ID)
	u.byID[s.ID] = s
	return !evicted
}

func (u *unsavedScans) get(id uuid.UUID) (*heatmap.ScanSummary, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.byID[id]
	return s, ok
}

func (u *unsavedScans) remove(id uuid.UUID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byID[id]; !ok {
		return
	}
	delete(u.byID, id)
	for i, v := range u.order {
		if v == id {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
}
