// Package storage is the persistence resource. Database wraps a gorm
// connection and hands out Sessions, one transaction each. Repository methods
// take an optional *Session: when one is supplied the call joins it, otherwise
// it runs in a session of its own. Only the scope that opened a session ever
// commits or rolls it back.
package storage
