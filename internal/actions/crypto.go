package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// CryptoActions returns crypto.hash, crypto.hmac and crypto.uuid.
func CryptoActions() []EngineAction {
	return []EngineAction{
		{
			Kind:        "crypto.hash",
			Description: "Hex digest of inputs.data (sha256 unless inputs.algorithm says otherwise)",
			Handler:     NodeFunc(cryptoHash),
			Inputs:      json.RawMessage(`{"type":"object","required":["data"],"properties":{"data":{"type":"string"},"algorithm":{"enum":["sha256","sha384","sha512","sha1","md5"]}}}`),
		},
		{
			Kind:        "crypto.hmac",
			Description: "Hex HMAC of inputs.data keyed by inputs.key",
			Handler:     NodeFunc(cryptoHMAC),
			Inputs:      json.RawMessage(`{"type":"object","required":["data","key"],"properties":{"data":{"type":"string"},"key":{"type":"string"},"algorithm":{"enum":["sha256","sha384","sha512","sha1","md5"]}}}`),
		},
		{
			// The generated id is checkpointed, so a replayed run sees the same one.
			Kind:        "crypto.uuid",
			Description: "Generate a random v4 UUID",
			Handler: NodeFunc(func(context.Context, *Context) (any, error) {
				return map[string]any{"uuid": uuid.NewString()}, nil
			}),
		},
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
}

func cryptoHash(_ context.Context, actx *Context) (any, error) {
	data, ok := actx.Inputs["data"].(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: inputs.data must be a string", actx.Kind)
	}
	algorithm := stringParam(actx.Inputs, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(data))
	return map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm}, nil
}

func cryptoHMAC(_ context.Context, actx *Context) (any, error) {
	data, ok := actx.Inputs["data"].(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: inputs.data must be a string", actx.Kind)
	}
	key, err := requireString(actx, "key")
	if err != nil {
		return nil, err
	}
	algorithm := stringParam(actx.Inputs, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": algorithm}, nil
}
