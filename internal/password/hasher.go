package password

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
)

var (
	ErrUnsupportedScheme = errors.New("hash scheme not supported")
	ErrEmptyDigest       = errors.New("computed digest is empty")
	ErrMalformedDigest   = errors.New("malformed digest")
)

const (
	SchemeSHA1         = "SHA1"
	SchemeSHA256       = "SHA256"
	SchemeSHA384       = "SHA384"
	SchemeSHA512       = "SHA512"
	SchemePBKDF2       = "PBKDF2"
	SchemePBKDF2SHA512 = "PBKDF2-SHA512"
	SchemeArgon2id     = "ARGON2ID"
)

// Iteration count assumed for PBKDF2 digests written without parameters.
const legacyPBKDF2Iterations = 1000

const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 2
	argonKeyLen  uint32 = 32
)

type Config struct {
	DefaultScheme    string
	PBKDF2Iterations int
	SaltLength       int
}

// ConfigFromEnv reads PASSWORD_DEFAULT_SCHEME and PASSWORD_PBKDF2_ITERATIONS.
func ConfigFromEnv() Config {
	scheme := strings.ToUpper(strings.TrimSpace(os.Getenv("PASSWORD_DEFAULT_SCHEME")))
	if scheme == "" {
		scheme = SchemePBKDF2SHA512
	}
	iter := 120000
	if v, err := strconv.Atoi(os.Getenv("PASSWORD_PBKDF2_ITERATIONS")); err == nil && v > 0 {
		iter = v
	}
	return Config{DefaultScheme: scheme, PBKDF2Iterations: iter, SaltLength: 32}
}

// Hasher computes, verifies and migrates digest envelopes. It holds no
// per-user state and is safe for concurrent use.
type Hasher struct {
	cfg  Config
	rand io.Reader
}

func New(cfg Config) (*Hasher, error) {
	cfg.DefaultScheme = strings.ToUpper(cfg.DefaultScheme)
	if cfg.DefaultScheme == "" {
		cfg.DefaultScheme = SchemePBKDF2SHA512
	}
	if !isSupported(cfg.DefaultScheme) {
		return nil, fmt.Errorf("default scheme %q: %w", cfg.DefaultScheme, ErrUnsupportedScheme)
	}
	if cfg.PBKDF2Iterations <= 0 {
		cfg.PBKDF2Iterations = 120000
	}
	if cfg.SaltLength <= 0 {
		cfg.SaltLength = 32
	}
	return &Hasher{cfg: cfg, rand: rand.Reader}, nil
}

// DefaultScheme is the scheme new and upgraded digests are written with.
func (h *Hasher) DefaultScheme() string { return h.cfg.DefaultScheme }

// Supported lists the scheme identifiers this hasher understands.
func Supported() []string {
	return []string{SchemeSHA1, SchemeSHA256, SchemeSHA384, SchemeSHA512, SchemePBKDF2, SchemePBKDF2SHA512, SchemeArgon2id}
}

func isSupported(scheme string) bool {
	for _, s := range Supported() {
		if s == scheme {
			return true
		}
	}
	return false
}

// Hash returns a salted envelope of secret under scheme. An empty scheme
// selects the default.
func (h *Hasher) Hash(secret, scheme string) (string, error) {
	scheme = strings.ToUpper(scheme)
	if scheme == "" {
		scheme = h.cfg.DefaultScheme
	}
	if !isSupported(scheme) {
		return "", fmt.Errorf("hash with %q: %w", scheme, ErrUnsupportedScheme)
	}
	salt := make([]byte, h.cfg.SaltLength)
	if _, err := io.ReadFull(h.rand, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	d := Digest{Scheme: scheme, Salt: salt, Params: h.defaultParams(scheme)}
	sum, err := compute(d, secret)
	if err != nil {
		return "", err
	}
	if len(sum) == 0 {
		return "", ErrEmptyDigest
	}
	d.Hash = sum
	return d.String(), nil
}

// Verify checks secret against digest. An empty digest matches only an
// empty secret, which keeps passwordless profiles working. Bare legacy
// digests are read as unsalted SHA-1.
func (h *Hasher) Verify(secret, digest string) (bool, error) {
	if digest == "" {
		return secret == "", nil
	}
	d, err := Parse(MigrateDigest(digest))
	if err != nil {
		return false, err
	}
	if !isSupported(d.Scheme) {
		return false, fmt.Errorf("verify with %q: %w", d.Scheme, ErrUnsupportedScheme)
	}
	sum, err := compute(d, secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(sum, d.Hash) == 1, nil
}

// Migrate rewrites a bare legacy digest on u into the envelope form and
// reports whether anything changed.
func (h *Hasher) Migrate(u *entity.User) bool {
	if u == nil {
		return false
	}
	migrated := MigrateDigest(u.Password)
	if migrated == u.Password {
		return false
	}
	u.Password = migrated
	return true
}

// NeedsUpgrade reports whether digest is unsalted and would be replaced by
// the default scheme on the next password change.
func (h *Hasher) NeedsUpgrade(digest string) bool {
	if digest == "" {
		return false
	}
	d, err := Parse(MigrateDigest(digest))
	if err != nil {
		return true
	}
	return !d.Salted()
}

// ChangePassword sets a new secret on u. The old digest is migrated first;
// unsalted digests are upgraded to the default scheme while salted ones
// keep their scheme with a fresh salt. An empty newSecret makes the
// profile passwordless.
func (h *Hasher) ChangePassword(u *entity.User, newSecret string) error {
	digest, err := h.Rehash(u.Password, newSecret)
	if err != nil {
		return err
	}
	u.Password = digest
	return nil
}

// Rehash is ChangePassword for a bare digest string, used for account
// passwords that do not live on a User.
func (h *Hasher) Rehash(current, newSecret string) (string, error) {
	current = MigrateDigest(current)
	if newSecret == "" {
		return "", nil
	}

	scheme := h.cfg.DefaultScheme
	if current != "" {
		if d, err := Parse(current); err == nil && d.Salted() {
			scheme = d.Scheme
		}
	}
	digest, err := h.Hash(newSecret, scheme)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(digest) == "" {
		return "", ErrEmptyDigest
	}
	return digest, nil
}

func (h *Hasher) defaultParams(scheme string) map[string]string {
	switch scheme {
	case SchemePBKDF2, SchemePBKDF2SHA512:
		return map[string]string{"i": strconv.Itoa(h.cfg.PBKDF2Iterations)}
	case SchemeArgon2id:
		return map[string]string{
			"m": strconv.FormatUint(uint64(argonMemory), 10),
			"t": strconv.FormatUint(uint64(argonTime), 10),
			"p": strconv.FormatUint(uint64(argonThreads), 10),
		}
	}
	return nil
}

// compute hashes secret with the scheme, salt and params of d. Plain hash
// schemes append the salt to the secret.
func compute(d Digest, secret string) ([]byte, error) {
	pw := []byte(secret)
	switch d.Scheme {
	case SchemeSHA1:
		return plain(sha1.New, pw, d.Salt), nil
	case SchemeSHA256:
		return plain(sha256.New, pw, d.Salt), nil
	case SchemeSHA384:
		return plain(sha512.New384, pw, d.Salt), nil
	case SchemeSHA512:
		return plain(sha512.New, pw, d.Salt), nil
	case SchemePBKDF2, SchemePBKDF2SHA512:
		// early envelopes spelled the iteration count out
		key := "i"
		if _, ok := d.Params[key]; !ok {
			key = "iterations"
		}
		iter, err := intParam(d.Params, key, legacyPBKDF2Iterations)
		if err != nil {
			return nil, err
		}
		prf, keyLen := sha1.New, 32
		if d.Scheme == SchemePBKDF2SHA512 {
			prf, keyLen = sha512.New, sha512.Size
		}
		if len(d.Hash) > 0 {
			keyLen = len(d.Hash)
		}
		return pbkdf2.Key(pw, d.Salt, iter, keyLen, prf), nil
	case SchemeArgon2id:
		m, err := intParam(d.Params, "m", int(argonMemory))
		if err != nil {
			return nil, err
		}
		t, err := intParam(d.Params, "t", int(argonTime))
		if err != nil {
			return nil, err
		}
		p, err := intParam(d.Params, "p", int(argonThreads))
		if err != nil {
			return nil, err
		}
		if p > 255 {
			return nil, fmt.Errorf("%w: argon2 parallelism %d", ErrMalformedDigest, p)
		}
		keyLen := argonKeyLen
		if len(d.Hash) > 0 {
			keyLen = uint32(len(d.Hash))
		}
		return argon2.IDKey(pw, d.Salt, uint32(t), uint32(m), uint8(p), keyLen), nil
	}
	return nil, fmt.Errorf("%q: %w", d.Scheme, ErrUnsupportedScheme)
}

func plain(newHash func() hash.Hash, pw, salt []byte) []byte {
	h := newHash()
	h.Write(pw)
	h.Write(salt)
	return h.Sum(nil)
}

func intParam(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: parameter %s=%q", ErrMalformedDigest, key, v)
	}
	return n, nil
}
