package monitoring

import "time"

// Launch sources
const (
	SourceSpare = "spare"
	SourceFresh = "fresh"
)

// Recorder receives launcher events. The core packages only depend on this
// interface; Metrics is the Prometheus implementation.
type Recorder interface {
	LaunchCompleted(source string, ok bool, duration time.Duration)
	WorkerDied(oomProtected bool)
	SetActiveWorkers(n int)
	SetStrongBindings(n int)
	SetModerateBindings(n int)
	SetRecencySize(n int)
	SpareTransition(to string)
	BindRejected(flags string)
}

// Nop discards everything
type Nop struct{}

func (Nop) LaunchCompleted(string, bool, time.Duration) {}
func (Nop) WorkerDied(bool)                             {}
func (Nop) SetActiveWorkers(int)                        {}
func (Nop) SetStrongBindings(int)                       {}
func (Nop) SetModerateBindings(int)                     {}
func (Nop) SetRecencySize(int)                          {}
func (Nop) SpareTransition(string)                      {}
func (Nop) BindRejected(string)                         {}

var _ Recorder = Nop{}
