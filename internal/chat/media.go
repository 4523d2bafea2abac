// ABOUTME: MediaResolver that moves inline base64 media into the blob store
// ABOUTME: Payloads then carry a blob: url instead of the bytes

package chat

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/2389/coven-chatstore/internal/store"
)

// BlobURLPrefix marks urls that refer to content in the blob store.
const BlobURLPrefix = "blob:"

// InlineMedia replaces a media payload's base64 "data" field with a
// "blob:<digest>" url after storing the bytes in Blobs. Payloads that already
// have a url, and non-media types, pass through unchanged.
type InlineMedia struct {
	Blobs store.BlobSink
}

func (m InlineMedia) Normalize(ctx context.Context, typ store.MessageType, payload map[string]any) (map[string]any, error) {
	switch typ {
	case store.TypeImage, store.TypeVideo, store.TypeVoice, store.TypeGif, store.TypeFile:
	default:
		return payload, nil
	}

	raw, ok := payload["data"]
	if !ok {
		return payload, nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, invalid("%s data must be a base64 string", typ)
	}
	if url, _ := payload["url"].(string); url != "" {
		return nil, invalid("%s payload has both url and data", typ)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, invalid("%s data is not valid base64", typ)
	}
	if len(data) == 0 {
		return nil, invalid("%s data is empty", typ)
	}

	digest := store.ContentDigest(data)
	if err := m.Blobs.Put(ctx, digest, data); err != nil {
		return nil, fmt.Errorf("storing inline %s: %w", typ, err)
	}

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		if k != "data" {
			out[k] = v
		}
	}
	out["url"] = BlobURLPrefix + digest
	out["size"] = len(data)
	return out, nil
}
