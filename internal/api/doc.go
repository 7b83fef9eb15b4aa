// Package api hosts the HTTP server, middleware, and REST handlers for the
// scrape relay. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape/tasks to submit a URL; GET with claim=true for workers.
//   - PUT /v1/scrape/tasks/{task_id} for worker reports.
//   - GET /v1/scrape/tasks/{task_id}/wait and POST /v1/scrape/fetch for
//     callers that block on a result.
//   - GET /v1/ws for dashboard and extension WebSockets.
//
// Every /v1 route is scoped to the owner named by the X-User-ID header.
package api
