// Package lock provides the locking primitives of the bot runtime.
//
// Registry hands out one context-aware Mutex per key and is the lock table
// behind the resource coordinator. Locker implementations (in-memory and
// Redis) guard process-wide ownership, such as the single connected bot
// instance, and propagate lock events through a syncbus Bus.
package lock
