package sync

import "github.com/mapsyncd/mapsyncd/internal/mapdir"

// Plan represents the sync operations to perform for one repository
type Plan struct {
	Download []mapdir.Target
	UpToDate []mapdir.Target
}

// Result counts what happened to the targets of one repository
type Result struct {
	Downloaded int
	UpToDate   int
	Failed     int
	Planned    int // dry-run only
}

func (r *Result) add(other Result) {
	r.Downloaded += other.Downloaded
	r.UpToDate += other.UpToDate
	r.Failed += other.Failed
	r.Planned += other.Planned
}

// Summary aggregates a full run over the configured sources
type Summary struct {
	Repositories int
	Skipped      int
	Result
}
