package nodes

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Crypto implements transform/crypto. config.operation picks the work:
//
//	hash  digest of config.data (default sha256)
//	hmac  keyed digest; the key is config.key or the node's credential
//	uuid  a fresh v4 UUID
//
// Without config.data the node's input is digested, JSON-encoded unless it
// is already a string. config.encoding is hex (default) or base64.
type Crypto struct{}

func (Crypto) ValidateConfig(config map[string]any) error {
	switch op := stringParam(config, "operation", "hash"); op {
	case "hash", "hmac":
		if _, err := hashFunc(stringParam(config, "algorithm", "sha256")); err != nil {
			return err
		}
		switch enc := stringParam(config, "encoding", "hex"); enc {
		case "hex", "base64":
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "crypto: unsupported encoding %q", enc)
		}
	case "uuid":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "crypto: unknown operation %q", op)
	}
	return nil
}

func (c Crypto) Run(_ context.Context, in Input) (*Result, error) {
	if err := c.ValidateConfig(in.Config); err != nil {
		return nil, err
	}

	op := stringParam(in.Config, "operation", "hash")
	if op == "uuid" {
		return &Result{Data: map[string]any{"uuid": uuid.NewString()}}, nil
	}

	algorithm := stringParam(in.Config, "algorithm", "sha256")
	newHash, _ := hashFunc(algorithm)
	data, err := digestInput(in)
	if err != nil {
		return nil, err
	}

	var h hash.Hash
	if op == "hmac" {
		key := []byte(stringParam(in.Config, "key", ""))
		if len(key) == 0 {
			key = in.Credential
		}
		if len(key) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "crypto: hmac needs config 'key' or a credential")
		}
		h = hmac.New(newHash, key)
	} else {
		h = newHash()
	}
	h.Write(data)

	sum := h.Sum(nil)
	encoded := hex.EncodeToString(sum)
	if stringParam(in.Config, "encoding", "hex") == "base64" {
		encoded = base64.StdEncoding.EncodeToString(sum)
	}
	return &Result{Data: map[string]any{op: encoded, "algorithm": algorithm}}, nil
}

func digestInput(in Input) ([]byte, error) {
	v, ok := in.Config["data"]
	if !ok {
		v = in.Data
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: encode input: %w", err)
	}
	return b, nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "crypto: unsupported hash algorithm %q", algorithm)
	}
}
