// Package notifier delivers outbound alerts asynchronously.
//
// Callers enqueue a Notification and return immediately. A small worker pool
// drains the queue and hands each message to a transport.Sender under a
// shared token-bucket rate limit. Delivery is best-effort: a failed send is
// logged and reported on the event bus, then dropped. There is no retry and
// no deduplication; the caller decides which destinations get a message.
package notifier
