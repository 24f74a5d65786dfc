/*
Package metrics provides Prometheus instrumentation and component health
tracking for the kioskd agent.

All collectors are registered with the default Prometheus registry at package
init and exposed through Handler, which the status server mounts at /metrics.

# Metrics Catalog

Update engine:

  - kioskd_updates_total{result}: bundle installs, result is "ok" or "failed"
  - kioskd_reverts_total{reason}: rollbacks, reason is "crash" or "validation"
  - kioskd_download_duration_seconds: archive download time

Supervisor:

  - kioskd_app_running: 1 while the bundle process is alive
  - kioskd_app_starts_total: process starts, including restarts after a crash
  - kioskd_crashes_total: crash packets received from the bundle

Telemetry and orchestration:

  - kioskd_log_flushes_total{result}: log history uploads
  - kioskd_online: 1 when the last fleet call succeeded
  - kioskd_iteration_duration_seconds: one control loop pass, idle time excluded
  - kioskd_iterations_total{result}: control loop passes
  - kioskd_api_request_duration_seconds{operation}: fleet API latency

# Component Health

Components report their state with UpdateComponent. The bundle and the
supervisor are critical: if either fails, GetHealth reports "unhealthy" and
HealthHandler answers 503. The fleet backend and the journal are not critical;
their failure only degrades the device, which keeps answering 200 because a
kiosk is expected to keep serving its application while offline.

GetReadiness only looks at the critical components and reports "not_ready"
until both have been registered healthy.

The Collector polls the bundle and the supervisor on an interval and keeps
their component entries and gauges current:

	c := metrics.NewCollector(engine, supervisor)
	go c.Run(ctx)

# Timing

	timer := metrics.NewTimer()
	err := fleet.Download(ctx, version, w)
	timer.ObserveDuration(metrics.DownloadDuration)
*/
package metrics
