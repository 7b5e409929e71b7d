// Package api hosts the HTTP server for operators. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/last for the summary of the most recent run.
//   - POST /v1/crawls and /v1/rollups to start a run in the background.
package api
