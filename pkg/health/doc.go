// Package health implements pluggable health-check strategies:
// HTTPChecker against an engine's /health endpoint, which the node
// reconciler uses to decide whether an engine replica is serving
// traffic, and TCPChecker, a plain TCP connect probe that the reconciler
// does not use.
//
// Status tracks consecutive failures/successes against a Config so a
// single flaky check doesn't flip a replica's phase; see
// Config.Retries and Status.Update.
package health
