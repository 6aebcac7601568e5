// Package api serves the lakegate HTTP API.
//
// Routes:
//
//	POST /v1/runs              execute a run spec (JSON) and return its record
//	GET  /v1/runs              list runs; filters: owner, target, disposition, limit
//	GET  /v1/runs/{id}         one run with imports, expectations and merge attempts
//	GET  /v1/runs/{id}/events  the run's events in order
//	GET  /healthz              store health
//	GET  /metrics              Prometheus metrics
//
// POST /v1/runs blocks until the run is finished. A spec that fails
// validation or admission policy answers 422 and touches no catalog state.
// Any executed run answers 200; its disposition is in the body.
package api
