// Package lane holds the declarative lane table and the runtime lane
// manager.
//
// A lane is a named queue plus the consumer pool servicing it. Routing is
// data, not code: [Table] maps a [Key] of (operation class, priority) to a
// lane name, and each lane carries its static [Config] (consumer bounds,
// batch size, message TTL, broker priority, processing timeout and
// dead-letter target). Only issue lanes are split by priority; query,
// event and void work share one lane per class.
//
// [Manager] tracks what changes at runtime: whether a lane is running,
// paused or draining, how many items are in flight, and the token buckets
// limiting each lane and tenant.
package lane
