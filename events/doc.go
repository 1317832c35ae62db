// Package events routes server events to plugins that subscribed to them.
//
// Plugins may receive a fixed set of server and NMEA stream events plus any
// event another plugin emitted; plugin events always carry the PLUGIN_
// prefix so they cannot pose as server events. Each subscription delivers
// through its own mailbox, in order, so an event emitted from inside a guest
// call can reach the emitting plugin without re-entering it.
//
// While a plugin reloads its events are buffered and replayed to the new
// instance once it attaches a handler.
package events
