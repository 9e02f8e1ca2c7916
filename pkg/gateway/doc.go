/*
Package gateway is Nebula's HTTP frontend: an OpenAI-compatible client
surface (chat completions, embeddings, and Nebula's own `/v1/responses`
abstraction) plus an admin API for declaring models, inspecting cluster
state, and managing engine images.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                          Server                             │
	│                                                              │
	│  clientSrv  :8080                    adminSrv   :8081        │
	│  ┌──────────────────────────┐        ┌───────────────────┐  │
	│  │ RequestID/Logger/Metrics │        │ RequestID/Logger  │  │
	│  │ RateLimit (per-IP)       │        │ healthz / readyz  │  │
	│  │ Authenticate             │        │ /metrics          │  │
	│  │  /v1/chat/completions ───┼─► router.Proxy (passthrough)│  │
	│  │  /v1/embeddings       ───┼─► router.Proxy              │  │
	│  │  /v1/responses        ───┼─► router.SelectReplica +    │  │
	│  │                             custom SSE reframing       │  │
	│  │  /v1/admin/*  (roled)  ───┼─► store.Client + audit.Log │  │
	│  └──────────────────────────┘        └───────────────────┘  │
	└────────────────────────────────────────────────────────────┘

The client address carries the OpenAI-compatible API and /v1/admin/*;
/healthz, /readyz and /metrics are served on a separate admin address so
a client-facing traffic spike never starves health checks or metrics
scraping.

# Auth

Bearer tokens are resolved against a static token→role map parsed once
from NEBULA_AUTH_TOKENS ("token:role,token:role"); there is no token
issuance or storage layer here, that is an external collaborator's
responsibility. Roles are ranked (viewer < operator < admin) so
RequireRole(min) is a single comparison rather than an allow-list per
route. Authenticate resolves an Identity onto the request context without
itself rejecting unauthenticated requests; RequireRole, which wraps every
/v1/admin route, is what rejects a request whose role is missing or too
low.

# /v1/responses

This is Nebula's own abstraction, not a raw passthrough: the request
{model, input, stream?} is translated into an OpenAI-chat-completions
call against the replica router.SelectReplica picks, and the result is
reframed rather than forwarded byte-for-byte. Non-streaming: the full
upstream JSON is parsed and reduced to {id, model, output_text, status}.
Streaming: the upstream's OpenAI-style SSE ("data: {...}\n\n", terminal
"data: [DONE]\n\n") is reframed into data:-only chunks with no event:
header and no [DONE] sentinel — each event is a JSON object carrying a
"type" discriminator, ending with a response.completed event that
carries the full accumulated text. Because this handler proxies itself
rather than calling router.Proxy, it uses the router's exported
SelectReplica/Acquire/ReportResult wrappers to reuse selection, the
pending-request counter, and the circuit breaker without duplicating
Proxy's retry loop.

# Admin API and audit

Every admin mutation (model load, model delete, image put/delete) is
logged through audit.Writer with the caller's bearer token as actor, the
request's correlation ID, and a before/after snapshot of the record. The
audit writer is injected, not owned, by Server — whoever starts the
process is responsible for its lifecycle.

# See Also

pkg/router for selection/circuit-breaker/proxy mechanics, pkg/audit for
the write pipeline admin handlers log through, pkg/scheduler and
pkg/reconciler for the control loops the admin API's writes feed into.
*/
package gateway
