// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of ledger records.
//
// Every component that hashes anything — events, trace links, bundle
// manifests — goes through this package so that two independent processes
// always agree on the bytes under the digest.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/gowebpki/jcs"
)

// ErrInvalidRecord reports input that cannot be represented in the closed
// scalar type set (string, number, bool, null, nested maps and arrays
// thereof). Canonicalization never produces partial output on failure.
var ErrInvalidRecord = errors.New("invalid record")

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-8 bytes.
// 2. HTML escaping is DISABLED (unlike standard json.Marshal).
// 3. Numbers are preserved exactly when passed as json.Number or string.
func Canonicalize(v any) ([]byte, error) {
	// Strategy: marshal to intermediate JSON (standard, respecting struct
	// tags), decode to any with UseNumber, then recursive canonical marshal.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: pre-marshal failed: %v", ErrInvalidRecord, err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: intermediate decode failed: %v", ErrInvalidRecord, err)
	}

	return marshalRecursive(generic)
}

// CanonicalizeJSON transforms an existing JSON document into its RFC 8785
// canonical form without an intermediate Go value.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: jcs transform failed: %v", ErrInvalidRecord, err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON representation of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the SHA-256 hex digest and size of a file's contents.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func marshalRecursive(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // RFC 8785 requires no HTML escaping

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		// json.Encoder adds a newline, trim it
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		// Values outside the closed scalar set never survive the intermediate
		// decode, so reaching here means the decoder produced something new.
		return nil, fmt.Errorf("%w: unrepresentable type %T", ErrInvalidRecord, v)
	}
}
