// Package nameservice resolves task names to handles.
//
// A Resolver holds an ordered list of Backends. Resolve asks them in order
// and returns the first hit; results of different backends are never merged.
// Two backends ship with the package:
//
//   - LocalBackend keeps handles on tasks hosted by this process in a
//     concurrent map. A task that has been disposed is reported as not found.
//   - KVBackend stores JSON registrations in a NATS JetStream KV bucket
//     shared by every process of a deployment. A lookup dials the
//     registered endpoint and pings it within the connect timeout; a
//     registration whose process does not answer is dangling and reported
//     as not found.
//
// Cleanup re-resolves every registered name on a bounded worker pool and
// removes exactly those whose lookup reports not found:
//
//	pruned, err := resolver.Cleanup(ctx)
//	for _, name := range pruned {
//		log.Printf("removed stale registration %s", name)
//	}
package nameservice
