// Package api hosts a stage runner's coordination server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/workflows/{name}/execute, used by peer runners to hand over
//     executions whose idempotency key this runner owns.
//   - GET /v1/executions/{key} to inspect a durable execution.
package api
