// Package chat is the message service in front of the store.
//
// Service validates and authorizes requests, normalizes media payloads,
// assigns ULID ids and hands stored messages to a Deliverer. Its
// collaborators are interfaces:
//
//   - Directory: who may read or write a conversation
//   - MediaResolver: turns inline media into stored references
//   - Deliverer: real-time fan-out, usually a Broadcaster
//
// StaticDirectory and InlineMedia are simple implementations used by the
// serve command.
//
// # Errors
//
//   - ErrInvalid: the request is malformed; the wrapped message says why
//   - ErrForbidden: the caller has no access to the conversation or message
//   - ErrInFlight: a send with the same client message id is still running
package chat
