package queue

import "strings"

// Keys derives every storage key of one queue. The layout is shared with
// collaborators that work on the raw store, such as the purger and scheduler.
type Keys struct {
	Prefix string
	Queue  string
}

func NewKeys(prefix, queue string) Keys {
	return Keys{Prefix: prefix, Queue: queue}
}

func (k Keys) Job(id string) string {
	return k.Prefix + ":job:" + id
}

func (k Keys) collection(name string) string {
	return k.Prefix + ":queue:" + k.Queue + ":" + name
}

// Queued is the FIFO list of ids waiting for a worker.
func (k Keys) Queued() string { return k.collection("queued") }

// Leased scores lease entries by expiry in unix milliseconds. See leaseEntry.
func (k Keys) Leased() string { return k.collection("leased") }

func (k Keys) DeadLettered() string { return k.collection("deadlettered") }

// Completed scores ids by completion time, for retention.
func (k Keys) Completed() string { return k.collection("completed") }

func (k Keys) Schedule(name string) string {
	return k.Prefix + ":schedule:" + name
}

// leaseEntry is the leased-set member of one lease. Each lease of a job gets
// its own entry, so settling a lease never removes the entry of the next one.
func leaseEntry(jobID, leaseID string) string {
	return jobID + "|" + leaseID
}

// parseLeaseEntry also accepts a bare job id, read as an empty lease id.
func parseLeaseEntry(entry string) (jobID, leaseID string) {
	jobID, leaseID, _ = strings.Cut(entry, "|")
	return jobID, leaseID
}
