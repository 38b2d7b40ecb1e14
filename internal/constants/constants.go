package constants

// Lock ids are shared by every running instance; never renumber them.
const (
	MigrationLock = iota + 7100
	ReclaimLock
	PurgeLock
)

var Locks = []int{
	MigrationLock,
	ReclaimLock,
	PurgeLock,
}

const (
	DefaultKeyPrefix   = "firequeue"
	DefaultQueue       = "default"
	DefaultMaxAttempts = 3
)
