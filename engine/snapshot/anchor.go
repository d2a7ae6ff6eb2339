package snapshot

import "sort"

// AnchorTask locates the anchor task of the snapshot: the first task (by
// display order, then name) of the first entry node (by name). The
// deterministic tie-break matters when several entry nodes share a display
// position. Returns (nil, nil) when no entry node carries tasks.
func (s *Snapshot) AnchorTask() (*NodeSnapshot, *TaskSnapshot) {
	var entries []*NodeSnapshot
	for i := range s.Nodes {
		if s.Nodes[i].IsEntry {
			entries = append(entries, &s.Nodes[i])
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	for _, n := range entries {
		if len(n.Tasks) == 0 {
			continue
		}
		best := 0
		for i := 1; i < len(n.Tasks); i++ {
			a, b := &n.Tasks[i], &n.Tasks[best]
			if a.DisplayOrder < b.DisplayOrder ||
				(a.DisplayOrder == b.DisplayOrder && a.Name < b.Name) {
				best = i
			}
		}
		return n, &n.Tasks[best]
	}
	return nil, nil
}
