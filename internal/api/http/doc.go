// Package http exposes the launcher to an embedder over a gin control API.
//
// Routes:
//
//	POST   /v1/workers                 launch a worker, reply with its pid
//	GET    /v1/workers                 registered workers and launcher stats
//	DELETE /v1/workers/:pid            stop a worker
//	PUT    /v1/workers/:pid/priority   {"visible":bool,"importance":"normal|moderate|important"}
//	PUT    /v1/workers/:pid/foreground {"foreground":bool}
//	GET    /v1/workers/:pid/oom        OOM protection of a live or dead worker
//	POST   /v1/lifecycle/foreground    embedder became visible
//	POST   /v1/lifecycle/background    embedder was hidden
//	POST   /v1/memory/trim             {"level":"running_low|running_critical|complete"}
//	POST   /v1/memory/low              release every moderate binding
//	POST   /v1/spare                   warm up a spare connection
//	GET    /v1/slots                   ?package=&sandboxed=
//
// Failures reply {"success":false,"error":...} with a status derived from
// the launcher error: unknown pid 404, no slot or rejected bind 503,
// failed start 502, launch timeout 504.
package http
