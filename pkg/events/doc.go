// Package events implements a lightweight in-memory pub/sub bus used to
// fan out store-watch changes to in-process subscribers without making
// each one poll the store directly.
//
// Publish queues the event on the broker's internal 256-event buffer and
// blocks only while that buffer is full (or until Stop). Delivery to
// subscribers is best-effort: a subscriber whose buffer is full simply
// misses the event. Callers that need the full
// history of a key range should re-list the store rather than rely on
// the broker, which exists purely to wake up local reactors faster than
// their own poll interval would.
package events
