// Package port implements port allocation for fleet workers.
//
// The port pool is never cached: every allocation re-derives the set of
// used ports from the container runtime's live list, so the pool cannot
// drift from reality. Two mechanisms make concurrent allocation safe:
//   - Allocator.Claim runs the query-and-pick step under a single mutex,
//     serializing allocation inside one process
//   - every picked port is also recorded in a Reservations store until the
//     worker holding it exists (or has been rolled back); the Redis store
//     extends this to several fleetctl processes sharing one host
//
// The Scanner optionally skips ports bound on the host by processes that
// are not fleet workers.
package port
