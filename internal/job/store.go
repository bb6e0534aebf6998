package job

import "context"

// Store persists jobs and results.
//
// Update and Complete are atomic read-modify-write operations: fn receives
// the current job and its changes are saved only if fn returns nil.
type Store interface {
	// Create inserts a new job. Returns ErrConflict if the id exists.
	Create(ctx context.Context, j *Job) error

	// Get returns a copy of the job, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching opts, most recently created first unless
	// opts.OldestFirst is set.
	List(ctx context.Context, opts ListOptions) ([]*Job, error)

	// Update applies fn to the job and saves it. Returns the saved job.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)

	// Complete applies fn to the job and stores the result it returns in
	// the same step. Returns ErrConflict if a result already exists.
	Complete(ctx context.Context, id string, fn func(*Job) (*Result, error)) (*Job, error)

	// Result returns the result of a succeeded job, or ErrNotFound.
	Result(ctx context.Context, id string) (*Result, error)

	// Counts returns the number of jobs per status.
	Counts(ctx context.Context) (map[Status]int, error)

	// Ready checks that the backing storage is reachable.
	Ready(ctx context.Context) error
}

// Locker provides per-job mutual exclusion across drives.
type Locker interface {
	// Lock blocks until the job's lock is held or ctx is done.
	// The returned func releases it.
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

// Publisher announces job snapshots to observers. Publish must not block.
type Publisher interface {
	Publish(s Snapshot)
}

// Enqueuer schedules a job for driving.
type Enqueuer interface {
	Enqueue(id string) error
}

// ListOptions filters List results.
type ListOptions struct {
	OwnerID     string
	Status      Status
	Limit       int
	OldestFirst bool // ascending creation order, ids ascending on ties either way
}

// List limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// EffectiveLimit returns the limit after defaults and caps are applied.
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// Matches reports whether j satisfies the owner and status filters.
func (o ListOptions) Matches(j *Job) bool {
	if o.OwnerID != "" && j.OwnerID != o.OwnerID {
		return false
	}
	if o.Status != "" && j.Status != o.Status {
		return false
	}
	return true
}
