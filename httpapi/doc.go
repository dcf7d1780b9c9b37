// Package httpapi serves the authcore engine over REST.
//
// Every route lives under /auth except GET /healthz and GET /metrics.
// Request and response bodies are JSON. The access/refresh pair is only ever
// delivered as httpOnly cookies (authcore_access on Path "/", authcore_refresh
// on Path "/auth"); no handler writes a token into a response body.
//
// Failures use the {"error":{"code","message"}} envelope from the
// middleware package, so a given authcore.Code has one status everywhere.
// POST /auth/forgot-password is the exception: it answers 200 for every
// well-formed request, including rate-limited ones, so that callers cannot
// probe which emails exist. Rate limiting there is logged and counted
// server-side instead.
//
// Each route runs inside an OpenTelemetry server span named after its
// pattern.
package httpapi
