// Package api hosts the status HTTP server that runs alongside a harvest.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live status of the current run.
//   - GET /v1/runs/{run_id} for a run recorded in the ledger.
package api
