package binder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrBindRejected is returned when the host refuses a bind request.
	ErrBindRejected = errors.New("bind rejected by host")
	// ErrNoCapacity is returned when the host's service ceiling is reached.
	ErrNoCapacity = errors.New("host service capacity exhausted")
)

// BindFlags is the flag set passed with every bind request
type BindFlags uint32

const (
	// BindAutoCreate creates the service on bind and keeps it alive while bound
	BindAutoCreate BindFlags = 1 << iota
	// BindImportant raises the service to the caller's foreground importance
	BindImportant
	// BindWaivePriority keeps the binding from affecting importance at all
	BindWaivePriority
	// BindExternalService binds the service as running in the caller's package
	BindExternalService
	// BindNotForeground caps the service below foreground importance
	BindNotForeground
	// BindAboveClient ranks the service above its client
	BindAboveClient
)

var flagNames = []struct {
	flag BindFlags
	name string
}{
	{BindAutoCreate, "auto_create"},
	{BindImportant, "important"},
	{BindWaivePriority, "waive_priority"},
	{BindExternalService, "external_service"},
	{BindNotForeground, "not_foreground"},
	{BindAboveClient, "above_client"},
}

// Has reports whether all bits of other are set
func (f BindFlags) Has(other BindFlags) bool {
	return f&other == other
}

// String returns the flag names joined by "|"
func (f BindFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Importance is the host-side ranking a binding confers on its service
type Importance int

const (
	ImportanceNone Importance = iota
	ImportanceWaived
	ImportanceModerate
	ImportanceImportant
)

// String returns the string representation of the importance
func (i Importance) String() string {
	switch i {
	case ImportanceNone:
		return "none"
	case ImportanceWaived:
		return "waived"
	case ImportanceModerate:
		return "moderate"
	case ImportanceImportant:
		return "important"
	default:
		return "unknown"
	}
}

// ImportanceOf maps a flag set to the importance it confers
func ImportanceOf(flags BindFlags) Importance {
	switch {
	case flags.Has(BindWaivePriority):
		return ImportanceWaived
	case flags.Has(BindImportant) && !flags.Has(BindNotForeground):
		return ImportanceImportant
	case flags.Has(BindAutoCreate):
		return ImportanceModerate
	default:
		return ImportanceNone
	}
}

// ServiceName identifies a hosted service (package + class)
type ServiceName struct {
	Package string
	Class   string
}

// String returns "package/class"
func (n ServiceName) String() string {
	return fmt.Sprintf("%s/%s", n.Package, n.Class)
}

// FileDescriptor describes a resource handed to a worker at setup
type FileDescriptor struct {
	ID        int
	File      *os.File
	AutoClose bool
	Offset    int64
	Size      int64
}

// CloseAutoClose closes the files the caller handed over for closing
func CloseAutoClose(files []FileDescriptor) {
	for _, fd := range files {
		if fd.AutoClose && fd.File != nil {
			fd.File.Close()
		}
	}
}

// SetupRequest is sent to a connected service to start the worker
type SetupRequest struct {
	CommandLine []string
	Files       []FileDescriptor
	ProcessType string
}

// SetupReply carries the identity of the started worker
type SetupReply struct {
	Pid int
}

// Service is the control surface of a connected worker service
type Service interface {
	Setup(ctx context.Context, req SetupRequest) (SetupReply, error)
}

// Listener receives asynchronous connection events for one binding.
// Hosts may invoke it on any goroutine.
type Listener interface {
	ServiceConnected(svc Service)
	ServiceDisconnected()
}

// Host is the OS service layer that binds and hosts worker services.
// A listener identifies its binding: it may hold at most one at a time.
type Host interface {
	Bind(name ServiceName, flags BindFlags, l Listener) error
	Unbind(l Listener)
}

// CallerBinder is implemented by services that can verify they are bound
// only to the embedder that created them.
type CallerBinder interface {
	BindToCaller(ctx context.Context) error
}
