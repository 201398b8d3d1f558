package launcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/shared/id"
)

// InvalidPid is the pid reported for a failed launch
const InvalidPid = 0

var (
	ErrLauncherClosed = errors.New("launcher is shut down")
	ErrUnknownPid     = errors.New("no worker with that pid")
	ErrNoSlot         = errors.New("no free worker service slot")
	ErrStartFailed    = errors.New("worker service failed to start")
	ErrWorkerDied     = errors.New("worker died during launch")
)

// Importance ranks how much the embedder cares about a worker
type Importance int

const (
	ImportanceNormal Importance = iota
	ImportanceModerate
	ImportanceImportant
)

func (i Importance) String() string {
	switch i {
	case ImportanceNormal:
		return "normal"
	case ImportanceModerate:
		return "moderate"
	case ImportanceImportant:
		return "important"
	default:
		return fmt.Sprintf("Importance(%d)", int(i))
	}
}

// ParseImportance parses the String form
func ParseImportance(s string) (Importance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return ImportanceNormal, nil
	case "moderate":
		return ImportanceModerate, nil
	case "important":
		return ImportanceImportant, nil
	default:
		return 0, fmt.Errorf("unknown importance %q", s)
	}
}

func (i Importance) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Importance) UnmarshalText(b []byte) error {
	v, err := ParseImportance(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Priority is the embedder's view of a worker
type Priority struct {
	Visible    bool       `json:"visible"`
	Importance Importance `json:"importance"`
}

// LaunchRequest describes one worker to start
type LaunchRequest struct {
	// ID is assigned by Launch when empty
	ID          id.LaunchID
	ProcessType string
	CommandLine []string
	Files       []binder.FileDescriptor
	Params      connection.CreationParams
	Sandboxed   bool
	// Foreground launches hold a strong binding from the start
	Foreground bool
}

// LaunchResult is the single outcome of a launch. Pid is InvalidPid
// exactly when Err is set.
type LaunchResult struct {
	ID        id.LaunchID
	Pid       int
	Err       error
	FromSpare bool
}

// WorkerDeath is delivered once per registered worker that went away
// without being stopped
type WorkerDeath struct {
	ID           id.LaunchID `json:"id"`
	Pid          int         `json:"pid"`
	OomProtected bool        `json:"oom_protected"`
	KilledByUs   bool        `json:"killed_by_us"`
	At           time.Time   `json:"at"`
}

// DeathListener is told about worker deaths, on the launcher loop
type DeathListener interface {
	OnWorkerDied(d WorkerDeath)
}

// DeathListenerFunc adapts a function to DeathListener
type DeathListenerFunc func(d WorkerDeath)

func (f DeathListenerFunc) OnWorkerDied(d WorkerDeath) {
	f(d)
}

// WorkerInfo is a snapshot of one registered worker
type WorkerInfo struct {
	ID          id.LaunchID             `json:"id"`
	Pid         int                     `json:"pid"`
	ProcessType string                  `json:"process_type"`
	Service     string                  `json:"service"`
	Sandboxed   bool                    `json:"sandboxed"`
	Priority    Priority                `json:"priority"`
	Bindings    connection.BindingState `json:"bindings"`
	StartedAt   time.Time               `json:"started_at"`
}

// Stats summarises launcher state
type Stats struct {
	Workers          int    `json:"workers"`
	PendingLaunches  int    `json:"pending_launches"`
	RecencyListSize  int    `json:"recency_list_size"`
	ModerateBindings int    `json:"moderate_bindings"`
	StrongBindings   int    `json:"strong_bindings"`
	InForeground     bool   `json:"in_foreground"`
	SpareState       string `json:"spare_state"`
}
