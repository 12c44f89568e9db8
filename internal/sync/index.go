package sync

import "github.com/mschirtzinger/taskdav/internal/schema"

// index looks up local records by href, falling back to uid. Taking a
// record removes it from both maps, so each record matches at most one
// remote item per pass.
type index struct {
	byHref map[string]*schema.Task
	byUID  map[string]*schema.Task
}

func newIndex(tasks []*schema.Task) *index {
	idx := &index{
		byHref: make(map[string]*schema.Task, len(tasks)),
		byUID:  make(map[string]*schema.Task, len(tasks)),
	}
	for _, t := range tasks {
		if t.RemoteURL != "" {
			idx.byHref[t.RemoteURL] = t
		}
		idx.byUID[t.UID] = t
	}
	return idx
}

// take returns and removes the record matching href or uid, or nil.
func (idx *index) take(href, uid string) *schema.Task {
	t, ok := idx.byHref[href]
	if !ok {
		t, ok = idx.byUID[uid]
	}
	if !ok {
		return nil
	}
	if t.RemoteURL != "" {
		delete(idx.byHref, t.RemoteURL)
	}
	delete(idx.byUID, t.UID)
	return t
}

