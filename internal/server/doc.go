// Package server hosts the delivery API and the streaming routes from a
// single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, rate
// limiting, CORS, security headers, metrics, and logging so handlers all
// share common protections and instrumentation. Streaming routes bypass the
// global rate limiter; playback traffic is admission-controlled by the
// request queues instead.
package server
