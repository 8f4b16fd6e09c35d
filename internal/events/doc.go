// Package events delivers structured engine events (node, snapshot, branch
// and binding changes) to in-process subscribers.
//
// Publishing never blocks: each subscription has a bounded queue and
// events that do not fit are dropped and counted. A subscription ends when
// its context is done, when it is closed, or when the bus is closed; the
// channel and the iter.Seq returned by Events both terminate then.
//
// Sequence numbers are assigned in publication order and every subscriber
// sees increasing numbers. The engine publishes a node event while the
// branch it changed still excludes writers, so node events of one branch
// follow the order of its commits.
package events
