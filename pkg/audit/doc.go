/*
Package audit dispatches admin-mutation audit records asynchronously so
a slow or unavailable audit store never adds latency to the admin
request that produced the record.

# Architecture

	Log(record) ──► buffered channel ──► background flush loop ──► Sink.Write(batch)
	   (non-blocking,                      (timer or batch-size
	    drops on full buffer)               triggered)

Log never blocks: a full buffer drops the record and logs a warning
rather than stall the admin handler that called it. The flush loop
batches records and hands them to the configured Sink either every
flushInterval or once flushBatch records have queued, whichever comes
first.

# Sink

Sink is the only interface this package defines; durable storage for
audit records (a database, an object store, a SIEM forwarder) is an
external collaborator plugged in by whoever wires the gateway. LogSink,
the default, simply logs each record as a structured line — sufficient
for development and for deployments that forward container logs to
their own audit pipeline, but not a substitute for a dedicated store in
a compliance-sensitive deployment.

# See Also

  - pkg/gateway - calls Writer.Log for every admin mutation
*/
package audit
