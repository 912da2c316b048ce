// Package session manages the chat client's credential. It stores the current
// bearer token for a user in Redis and notifies watchers when the token is
// rotated, so a running client can reconnect under the new identity.
package session
