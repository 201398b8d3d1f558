/*
Package launcher turns launch requests into running workers and keeps the
pid registry used to stop them, change their priority and report their
death.

# Overview

A Launcher is created once per process and shut down at exit. It owns the
launcher loop; every connection, binding and spare pool mutation runs there.

	l := launcher.New(host,
		launcher.WithManifest(m),
		launcher.WithDeathListener(listener),
	)
	defer l.Shutdown(ctx)

	pid, err := l.LaunchAndWait(ctx, launcher.LaunchRequest{
		ProcessType: "renderer",
		CommandLine: []string{"--type=renderer"},
		Sandboxed:   true,
	})

A launch is served from the spare connection when its params match, and
otherwise from the lowest free service slot of the package. A launch that
cannot bind fails with InvalidPid and is never retried here.

# Priorities

	SetInForeground(pid, true)    strong binding, on the recency list
	SetPriority(pid, {Visible})   strong binding unless visibility is ignored
	SetPriority(pid, {Moderate})  recency list only
	SetPriority(pid, {})          neither

The binding taken at launch protects a worker until its first priority
update.
*/
package launcher
