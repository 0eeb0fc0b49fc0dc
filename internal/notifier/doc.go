// Package notifier delivers direct messages to poll subscribers.
//
// Notifications are queued and sent by a small worker pool behind a shared
// rate limiter. Failed sends are retried with jittered exponential backoff.
// Identical notifications to the same chat inside the dedup window are
// suppressed, so re-firing an open does not message subscribers twice.
package notifier
