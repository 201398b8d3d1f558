// Package exechost implements binder.Host with child processes.
//
// Each service name maps to at most one process. Bind registers a binding
// and reports the connection asynchronously; the process is spawned when
// the connected service receives Setup. Descriptors from the setup request
// are inherited as ExtraFiles and announced with a
// --shared-files=<id>:<fd>[,...] switch. Processes run in their own process
// group, which is killed when the last binding is removed. An unexpected
// exit is reported to every listener through ServiceDisconnected.
//
// On Linux the host keeps /proc/<pid>/oom_score_adj in line with the
// strongest binding held. Failures there are logged and otherwise ignored.
package exechost
