// Package encryption resolves the token-signing secret, decrypting it with
// AWS KMS when it is stored encrypted.
package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoSigningSecret  = errors.New("no signing secret configured")
)

const minSecretLength = 32

// Decrypter is the subset of the KMS client used here.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(cfg), nil
}

type SecretSource struct {
	// Plain is used as-is when EncryptedB64 is empty
	Plain string
	// EncryptedB64 is a base64 KMS ciphertext blob
	EncryptedB64 string
	KeyID        string
	// AllowEphemeral permits a random per-process secret outside production
	AllowEphemeral bool
}

type SecretResolver struct {
	kms    Decrypter
	source SecretSource
	logger *zap.Logger

	once   sync.Once
	secret []byte
	err    error
}

// NewSecretResolver accepts a nil Decrypter when KMS is disabled.
func NewSecretResolver(kmsClient Decrypter, source SecretSource, logger *zap.Logger) *SecretResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretResolver{kms: kmsClient, source: source, logger: logger}
}

// Resolve returns the signing secret, computing it once.
func (r *SecretResolver) Resolve(ctx context.Context) ([]byte, error) {
	r.once.Do(func() {
		r.secret, r.err = r.resolve(ctx)
	})
	return r.secret, r.err
}

func (r *SecretResolver) resolve(ctx context.Context) ([]byte, error) {
	switch {
	case r.source.EncryptedB64 != "":
		if r.kms == nil {
			return nil, fmt.Errorf("%w: encrypted secret configured but KMS is disabled", ErrDecryptionFailed)
		}
		blob, err := base64.StdEncoding.DecodeString(r.source.EncryptedB64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
		}
		input := &kms.DecryptInput{CiphertextBlob: blob}
		if r.source.KeyID != "" {
			input.KeyId = aws.String(r.source.KeyID)
		}
		out, err := r.kms.Decrypt(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		r.logger.Info("Signing secret decrypted via KMS", zap.String("key_id", r.source.KeyID))
		return checkLength(out.Plaintext)

	case r.source.Plain != "":
		return checkLength([]byte(r.source.Plain))

	case r.source.AllowEphemeral:
		secret := make([]byte, minSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ephemeral secret: %w", err)
		}
		r.logger.Warn("No signing secret configured, using an ephemeral one; tokens will not survive a restart")
		return secret, nil
	}
	return nil, ErrNoSigningSecret
}

func checkLength(secret []byte) ([]byte, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	}
	return secret, nil
}
