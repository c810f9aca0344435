// Package broker fans validated conversation events out to connected
// listeners.
//
// One Broker serves the whole process. Its listener map is owned by a
// single goroutine fed through a command mailbox, so every Connect,
// Disconnect and Publish is handled one at a time; this gives a total
// order over all broker operations without locks. Publish validates
// the message body, persists it through the message store, then
// delivers the resulting Event to each listener in registration order.
//
// Delivery is best-effort and at-most-once. A listener whose target
// rejects a delivery is logged and dropped through an asynchronous
// self-disconnect; the publish itself still succeeds, and remaining
// listeners are unaffected. The broker keeps no timers and never
// retries.
package broker
