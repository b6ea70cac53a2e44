package bench

// Pinner binds the calling OS thread to one logical processor and raises
// its scheduling priority. Pinning is best-effort: a Pinner that cannot pin
// returns an error and the benchmark runs unpinned, except for
// ErrAmbiguousWorker which faults the run.
type Pinner interface {
	// Pin must be called from a goroutine locked to its OS thread. The
	// returned func restores the thread's previous affinity and priority.
	Pin(core int) (restore func(), err error)
	// DefaultCore is used when no core is configured.
	DefaultCore() int
}

// NoopPinner leaves the thread where the scheduler put it.
type NoopPinner struct{}

// Pin does nothing.
func (NoopPinner) Pin(int) (func(), error) { return func() {}, nil }

// DefaultCore returns 0.
func (NoopPinner) DefaultCore() int { return 0 }
