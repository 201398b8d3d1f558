/*
Package monitoring provides metrics collection for the worker host.

# Overview

Core packages report through the Recorder interface. Metrics implements it
on a private Prometheus registry, so several hosts (or tests) can coexist
in one process. Nop discards everything.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	l := launcher.New(host, cfg, launcher.WithRecorder(metrics))
*/
package monitoring
