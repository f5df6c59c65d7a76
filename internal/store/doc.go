// Package store provides the query, result and reply stores and their change feeds.
//
// This package is internal to pulsequery. It holds the three collections the
// dashboard works with and a publish/subscribe change feed per collection:
//
//   - [Store]: Interface combining [QueryStore], [ResultStore] and [ReplyStore]
//   - [MemoryStore]: In-memory implementation, the default
//   - [SQLiteStore]: Durable implementation backed by SQLite
//   - [Feed] and [Subscription]: Filtered change notification
//
// Every Watch method returns an initial snapshot together with a live
// [Subscription]. The snapshot is taken and the subscription registered
// while writers are excluded, so the snapshot plus the subsequent changes
// enumerate exactly the documents in the store, with no duplicates and no
// omissions. A subscriber that cannot keep up is closed with [ErrLagged]
// rather than silently missing changes; it should resubscribe to receive a
// fresh snapshot.
package store
