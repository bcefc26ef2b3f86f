// Package session manages anonymous user sessions. It handles session creation,
// lookup, expiration, and storage of ephemeral session state backed by Redis.
package session
