package extract

import "sort"

// FileChangeSummary buckets every touched path by the category of the last
// operation applied to it. The four lists are disjoint.
type FileChangeSummary struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted"`
	Read    []string `json:"read"`
}

// Summarize deduplicates file operations by path, latest line index wins.
// A file written and later deleted shows up only as deleted.
func Summarize(ops []FileOp) FileChangeSummary {
	latest := make(map[string]FileOp, len(ops))
	for _, op := range ops {
		if prev, ok := latest[op.Path]; !ok || op.LineIndex >= prev.LineIndex {
			latest[op.Path] = op
		}
	}
	var s FileChangeSummary
	for path, op := range latest {
		switch op.Category {
		case CategoryCreated:
			s.Created = append(s.Created, path)
		case CategoryUpdated:
			s.Updated = append(s.Updated, path)
		case CategoryDeleted:
			s.Deleted = append(s.Deleted, path)
		case CategoryRead:
			s.Read = append(s.Read, path)
		}
	}
	sort.Strings(s.Created)
	sort.Strings(s.Updated)
	sort.Strings(s.Deleted)
	sort.Strings(s.Read)
	return s
}
