package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const purpose = "password"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Options configures a Hasher. Peppers maps version to secret; the
// current version is used for new hashes, older ones still verify.
type Options struct {
	Memory         int
	Iterations     int
	Parallelism    int
	CurrentVersion int
	Peppers        map[int]string
}

type Hasher struct {
	params         Argon2Params
	currentVersion int
	peppers        map[int]string

	dummyOnce sync.Once
	dummy     string
}

func NewHasher(opts Options) (*Hasher, error) {
	if opts.Memory <= 0 {
		opts.Memory = 64 * 1024
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 2
	}
	if opts.CurrentVersion == 0 {
		opts.CurrentVersion = 1
	}
	peppers := make(map[int]string, len(opts.Peppers))
	for v, p := range opts.Peppers {
		peppers[v] = p
	}
	if _, ok := peppers[opts.CurrentVersion]; !ok {
		return nil, fmt.Errorf("%w: current version %d", ErrUnknownPepper, opts.CurrentVersion)
	}

	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(opts.Memory),
			Iterations:  uint32(opts.Iterations),
			Parallelism: uint8(opts.Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		currentVersion: opts.CurrentVersion,
		peppers:        peppers,
	}, nil
}

// Hash returns an encoded argon2id hash:
// $argon2id$v=19$m=65536,t=1,p=2$pv=1$<salt>$<hash>
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := h.derive(password, h.peppers[h.currentVersion], salt, h.params, h.params.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$pv=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Iterations, h.params.Parallelism,
		h.currentVersion,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify compares password against an encoded hash in constant time.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	params, version, salt, expected, err := decode(encoded)
	if err != nil {
		return false, err
	}
	pepper, ok := h.peppers[version]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, version)
	}

	computed := h.derive(password, pepper, salt, params, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsRehash reports whether encoded was produced with old parameters or pepper.
func (h *Hasher) NeedsRehash(encoded string) bool {
	params, version, _, _, err := decode(encoded)
	if err != nil {
		return true
	}
	return version != h.currentVersion ||
		params.Memory != h.params.Memory ||
		params.Iterations != h.params.Iterations ||
		params.Parallelism != h.params.Parallelism
}

// DummyVerify burns the same work as a real verification so that a lookup
// miss costs as much as a wrong password.
func (h *Hasher) DummyVerify(password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = h.Hash("dummy-password-for-timing")
	})
	_, _ = h.Verify(password, h.dummy)
}

func (h *Hasher) derive(password, pepper string, salt []byte, p Argon2Params, keyLen uint32) []byte {
	// pepper and purpose keep hashes from being reused across contexts
	return argon2.IDKey([]byte(password+pepper+purpose), salt, p.Iterations, p.Memory, p.Parallelism, keyLen)
}

func decode(encoded string) (Argon2Params, int, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != "argon2id" {
		return p, 0, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, 0, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return p, 0, nil, nil, ErrIncompatibleVersion
	}

	var parallelism int
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &parallelism); err != nil {
		return p, 0, nil, nil, ErrInvalidHash
	}
	p.Parallelism = uint8(parallelism)

	var pepperVersion int
	if _, err := fmt.Sscanf(parts[4], "pv=%d", &pepperVersion); err != nil {
		return p, 0, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, 0, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[6])
	if err != nil || len(key) == 0 {
		return p, 0, nil, nil, ErrInvalidHash
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, pepperVersion, salt, key, nil
}
