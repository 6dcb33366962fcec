package password

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Digest is a parsed envelope:
//
//	$SCHEME$HASH
//	$SCHEME$SALT$HASH
//	$SCHEME$k=v,k=v$SALT$HASH
//
// Salt and hash are upper-case hex. Params carry the cost settings of
// schemes that have them, so a digest verifies without outside knowledge.
type Digest struct {
	Scheme string
	Params map[string]string
	Salt   []byte
	Hash   []byte
}

// Salted reports whether the digest was produced with a salt.
func (d Digest) Salted() bool { return len(d.Salt) > 0 }

func (d Digest) String() string {
	var b strings.Builder
	b.WriteString("$")
	b.WriteString(d.Scheme)
	if len(d.Params) > 0 {
		keys := make([]string, 0, len(d.Params))
		for k := range d.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("$")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(k + "=" + d.Params[k])
		}
	}
	if len(d.Salt) > 0 {
		b.WriteString("$")
		b.WriteString(strings.ToUpper(hex.EncodeToString(d.Salt)))
	}
	b.WriteString("$")
	b.WriteString(strings.ToUpper(hex.EncodeToString(d.Hash)))
	return b.String()
}

// Parse reads an envelope. Bare legacy digests must go through
// MigrateDigest first.
func Parse(s string) (Digest, error) {
	if !strings.HasPrefix(s, "$") {
		return Digest{}, fmt.Errorf("%w: missing scheme delimiter", ErrMalformedDigest)
	}
	parts := strings.Split(s[1:], "$")
	d := Digest{Scheme: strings.ToUpper(parts[0])}
	if d.Scheme == "" {
		return Digest{}, fmt.Errorf("%w: empty scheme", ErrMalformedDigest)
	}

	var saltHex, hashHex string
	switch len(parts) {
	case 2:
		hashHex = parts[1]
	case 3:
		saltHex, hashHex = parts[1], parts[2]
	case 4:
		params, err := parseParams(parts[1])
		if err != nil {
			return Digest{}, err
		}
		d.Params = params
		saltHex, hashHex = parts[2], parts[3]
	default:
		return Digest{}, fmt.Errorf("%w: %d segments", ErrMalformedDigest, len(parts))
	}

	var err error
	if saltHex != "" {
		if d.Salt, err = hex.DecodeString(saltHex); err != nil {
			return Digest{}, fmt.Errorf("%w: salt: %v", ErrMalformedDigest, err)
		}
	}
	if d.Hash, err = hex.DecodeString(hashHex); err != nil {
		return Digest{}, fmt.Errorf("%w: hash: %v", ErrMalformedDigest, err)
	}
	return d, nil
}

func parseParams(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: parameter %q", ErrMalformedDigest, kv)
		}
		out[k] = v
	}
	return out, nil
}

// MigrateDigest wraps a bare legacy digest (an unsalted SHA-1 hex string)
// in the envelope form. Empty and already enveloped digests are returned
// unchanged, so applying it twice equals applying it once.
func MigrateDigest(digest string) string {
	if digest == "" || strings.Contains(digest, "$") {
		return digest
	}
	return "$" + SchemeSHA1 + "$" + digest
}
