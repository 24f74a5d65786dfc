/*
Package api implements the device's local HTTP status server.

The server is meant for technicians on the device's network and for the
kioskd CLI. It never talks to the fleet backend.

# Endpoints

	GET /health            agent liveness and version
	GET /ready             bundle validity and application state, 503 when not ready
	GET /events            buffered log history as JSON
	GET /metrics           Prometheus exposition
	GET /components        component health, 503 when a critical component fails
	GET /components/ready  readiness over critical components
	GET /live              always 200 while the agent runs
	GET /                  HTML view of the application's stdout and stderr sinks

Every dependency in Options is optional. A missing bundle or process checker
is reported as "not initialized" instead of failing the request, so the server
can be started before the rest of the agent is wired.

# Usage

	hs := api.NewHealthServer(api.Options{
		Version:    Version,
		Bundle:     engine,
		Process:    supervisor,
		Events:     aggregator,
		StdoutSink: paths.StdoutSink,
		StderrSink: paths.StderrSink,
	})
	err := hs.Run(ctx, cfg.StatusAddr)

The log view only renders the tail of each sink and HTML escapes every line.
*/
package api
