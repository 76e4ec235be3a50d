// Package syncbus propagates keyed events between bot instances.
//
// A key such as "fazbot:reload:config" or "unlock:fazbot:instance" names the
// event. InMemoryBus serves a single process. NATSBus and RedisBus span
// processes; they stamp each message with the publishing bus's origin and can
// drop their own messages on receipt. CircuitBreakerBus wraps any of them to
// stop publishing to a backend that keeps failing.
package syncbus
