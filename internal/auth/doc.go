// Package auth authenticates API callers and resolves their device identity.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured jwt_secret.
// The "sub" claim is the numeric user id.
//
// # Devices
//
// Delete cutoffs and baselines are scoped per device. A client names its
// device with the X-Device-Id header (1-128 characters of [A-Za-z0-9._:-]).
// Clients that never send one get a stable pseudonym derived from their
// bearer token: "cred-" followed by a name-based UUID of the token. Two real
// devices presenting the same token therefore share one cutoff scope.
//
// # Context
//
// HTTPAuthMiddleware attaches an Identity to the request context:
//
//	id := auth.FromContext(r.Context())
//	// id.UID, id.DeviceID
package auth
