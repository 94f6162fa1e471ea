// Package session mirrors per-connection state (bound user, matching status,
// owning server) into Redis with a sliding TTL.
package session
