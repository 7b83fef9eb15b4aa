// Package main hosts the scrape relay entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts scrape submissions, worker claims and reports, task lookups, and
//     long-poll waits. Every /v1 route is scoped to the owner named by X-User-ID.
//   - Orchestration: internal/scrape.Service normalizes and fingerprints URLs, serves cached results, reuses
//     in-flight tasks, and otherwise creates a pending task and offers it to the owner's browser extension.
//   - Notification fabric: internal/notify.Fabric tracks live WebSocket connections, task subscriptions, and
//     one-shot waiters, and fans each resolution out to all of them.
//   - Persistence: tasks live in memory, Postgres (pgx), or an embedded Badger database. Completed results can be
//     archived to memory, local disk, or GCS.
//   - Fan-out across instances: when Pub/Sub is configured, resolutions are published with this instance's ID and
//     events from other instances are applied to the local fabric.
//
// Quick checklist:
//   - Configure env vars: RELAY_SERVER_PORT or PORT, RELAY_STORAGE_BACKEND, RELAY_STORAGE_POSTGRES_DSN,
//     RELAY_ARCHIVE_BACKEND, RELAY_PUBSUB_PROJECT_ID, RELAY_PUBSUB_TOPIC_NAME, RELAY_PUBSUB_SUBSCRIPTION_NAME.
//   - Run locally: go run ./cmd/scraperelay -config config.yaml (or rely solely on env overrides).
//   - The process drains HTTP traffic and closes stores on SIGTERM.
package main
