// Package api hosts the HTTP router, middleware and handlers of the fetch
// server. Routes:
//   - GET /fetch?url=...&text=true&selector=...&wait=N runs one fetch against
//     the shared browser session.
//   - GET /health is an unauthenticated liveness probe.
//   - GET or POST /shutdown asks the lifecycle controller to stop.
//   - GET /metrics for Prometheus scraping, when enabled.
//
// /fetch and /shutdown require the server token when one is configured.
package api
