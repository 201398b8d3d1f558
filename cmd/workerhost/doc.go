/*
Command workerhost runs the worker host daemon.

It loads configuration from the environment, applies command line
overrides, and serves the control API until SIGINT or SIGTERM.

	WORKER_COMMAND=/usr/lib/agentos/worker workerhost -port 8000 -manifest '/etc/agentos/*.yaml'
*/
package main
