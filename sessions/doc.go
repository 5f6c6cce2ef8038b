// Package sessions records which client sessions a proxy instance is
// serving. Records let an operator see live sessions across a fleet of
// proxies and let a proxy reject a resume with the wrong password without a
// backend round trip.
//
// The live pipeline of a session is never stored here; it exists only in the
// memory of the proxy that owns it.
//
// Implementations
//
//	memorystore : process-local map, the default
//	redisstore  : shared Redis keys for multi-instance deployments
package sessions
