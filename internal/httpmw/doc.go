// Package httpmw provides HTTP middleware for the public gate listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, caller identity, OTEL tracing,
// trace response headers, metrics, request logger, access log, body limit,
// then the chi router.
//
// The caller identity is stored on the context as an opaque string and is
// the only user-supplied value that reaches logs. Query strings, user agents
// and other headers are left out to keep logs free of PII and injection.
package httpmw
