// ABOUTME: Device identity resolution for per-device cutoffs and baselines
// ABOUTME: Explicit device header when valid, else a stable pseudonym derived from the credential

package auth

import (
	"strings"

	"github.com/google/uuid"
)

// DeviceHeader carries the client's explicit device identifier.
const DeviceHeader = "X-Device-Id"

// AnonymousDevice is used when neither a device header nor a credential is present.
const AnonymousDevice = "anonymous"

const maxDeviceIDLength = 128

// deviceNamespace scopes credential-derived device ids.
var deviceNamespace = uuid.MustParse("6f1b3c52-8e0d-5a7e-9c41-2d7f0b9e4a13")

// ResolveDevice returns the device id for a request. A valid explicit header
// wins; otherwise the id is derived from the credential, so every request
// presenting the same credential shares one device scope.
func ResolveDevice(header, credential string) string {
	if id := strings.TrimSpace(header); validDeviceID(id) {
		return id
	}
	if credential == "" {
		return AnonymousDevice
	}
	return "cred-" + uuid.NewSHA1(deviceNamespace, []byte(credential)).String()
}

// validDeviceID accepts 1-128 characters of [A-Za-z0-9._:-].
func validDeviceID(id string) bool {
	if id == "" || len(id) > maxDeviceIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == ':', r == '-':
		default:
			return false
		}
	}
	return true
}
