// Package api exposes the chat service over HTTP.
//
// Every /v1 route requires "Authorization: Bearer <jwt>" and acts as the
// token's subject. The optional X-Device-Id header names the calling device;
// see package auth for the fallback.
//
// # Routes
//
//	POST   /v1/messages                              send a message
//	DELETE /v1/messages/{id}                         delete a message
//	GET    /v1/conversations/{type}/{uid}/messages   page of a conversation
//	GET    /v1/overview                              conversation list
//	POST   /v1/overview                              same, with read state and cutoff requests
//	PUT    /v1/cutoffs/{type}/{uid}                  hide history on this device
//	POST   /v1/devices                               register this device
//	GET    /v1/stickers                              list stickers
//	POST   /v1/stickers                              add a sticker (raw body)
//	DELETE /v1/stickers/{digest}                     remove a sticker
//	GET    /v1/events                                SSE stream of new messages
//	GET    /v1/blobs/{digest}                        bytes behind a blob: media url
//	GET    /healthz                                  liveness
//
// # Errors
//
// Errors are JSON objects with an "error" field. Validation failures are 400
// with the reason, access failures 403, unknown messages, stickers or blobs 404,
// duplicate in-flight sends 409. Storage failures are 500 with a generic
// "temporarily unavailable" message; details only go to the log.
package api
