// Package device models one BlueZ peripheral and its GATT tree.
//
// A Device moves through Discovered, Connecting, Connected, Disconnecting and
// Disconnected; Lost means the daemon dropped the object. Every successful
// connect starts a new session. Services and characteristics discovered in a
// session live in an immutable Cache tagged with that session, so handles
// taken before a disconnect fail with ErrInvalidated instead of silently
// talking to a different link.
//
// Blocking operations take a context and are additionally bounded by Options.
package device
