// Package security seals device secrets with AWS KMS envelope encryption.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSClient is the subset of the KMS API the helper calls; *kms.Client
// satisfies it.
type KMSClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KMSConfig names the customer master key. Timeout bounds each KMS call.
type KMSConfig struct {
	KeyID             string
	EncryptionContext map[string]string
	Timeout           time.Duration
}

// Helper performs data-key operations against one KMS key.
type Helper struct {
	client KMSClient
	cfg    KMSConfig
}

func NewKMSHelper(ctx context.Context, cfg KMSConfig, optFns ...func(*awscfg.LoadOptions) error) (*Helper, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Helper{
		client: kms.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

func WithClient(client KMSClient, cfg KMSConfig) *Helper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Helper{client: client, cfg: cfg}
}

// DataKey is a KMS-generated data key. Plaintext must be wiped after use.
type DataKey struct {
	Plaintext     []byte
	CiphertextB64 string
}

// GenerateDataKey asks KMS for a fresh symmetric data key.
func (h *Helper) GenerateDataKey(ctx context.Context, keySpec kmstypes.DataKeySpec) (*DataKey, error) {
	if h.cfg.KeyID == "" {
		return nil, errors.New("kms: KeyID required for GenerateDataKey")
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	in := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(h.cfg.KeyID),
		KeySpec: keySpec,
	}
	if len(h.cfg.EncryptionContext) > 0 {
		in.EncryptionContext = h.cfg.EncryptionContext
	}
	out, err := h.client.GenerateDataKey(cctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms GenerateDataKey: %w", err)
	}
	return &DataKey{
		Plaintext:     out.Plaintext,
		CiphertextB64: base64.StdEncoding.EncodeToString(out.CiphertextBlob),
	}, nil
}

// DecryptDataKey unwraps a stored data key.
func (h *Helper) DecryptDataKey(ctx context.Context, ciphertextB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("kms DecryptDataKey: base64: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	in := &kms.DecryptInput{CiphertextBlob: raw}
	if len(h.cfg.EncryptionContext) > 0 {
		in.EncryptionContext = h.cfg.EncryptionContext
	}
	out, err := h.client.Decrypt(cctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms DecryptDataKey: %w", err)
	}
	return out.Plaintext, nil
}

// Encrypt seals plaintext with AES-GCM as nonce || ciphertext.
func (dk *DataKey) Encrypt(plaintext []byte, aad []byte) ([]byte, error) {
	gcm, err := newGCM(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (dk *DataKey) Decrypt(ciphertext []byte, aad []byte) ([]byte, error) {
	gcm, err := newGCM(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:ns], ciphertext[ns:]
	plain, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, errors.New("kms: empty data key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// sealedEnvelope is the stored form of a sealed secret.
type sealedEnvelope struct {
	Key        string `json:"k"`
	Ciphertext string `json:"c"`
}

// SeedSealer envelope-encrypts small secrets (the device seed) with a fresh
// KMS data key per Seal call.
type SeedSealer struct {
	helper *Helper
	aad    []byte
}

func NewSeedSealer(h *Helper, aad string) *SeedSealer {
	return &SeedSealer{helper: h, aad: []byte(aad)}
}

func (s *SeedSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	dk, err := s.helper.GenerateDataKey(ctx, kmstypes.DataKeySpecAes256)
	if err != nil {
		return nil, err
	}
	defer Wipe(dk.Plaintext)

	ct, err := dk.Encrypt(plaintext, s.aad)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedEnvelope{
		Key:        dk.CiphertextB64,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
}

func (s *SeedSealer) Open(ctx context.Context, sealed []byte) ([]byte, error) {
	var env sealedEnvelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("kms: decode envelope: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	key, err := s.helper.DecryptDataKey(ctx, env.Key)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	dk := &DataKey{Plaintext: key}
	return dk.Decrypt(ct, s.aad)
}

// KeyHealth reports the key state as healthy, unconfigured, unavailable,
// pending_deletion or the raw KMS state.
func (h *Helper) KeyHealth(ctx context.Context) (string, error) {
	if h.cfg.KeyID == "" {
		return "unconfigured", nil
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	out, err := h.client.DescribeKey(cctx, &kms.DescribeKeyInput{
		KeyId: aws.String(h.cfg.KeyID),
	})
	if err != nil {
		return "unavailable", err
	}
	if out.KeyMetadata == nil {
		return "unknown", nil
	}

	switch out.KeyMetadata.KeyState {
	case kmstypes.KeyStateEnabled:
		return "healthy", nil
	case kmstypes.KeyStatePendingDeletion:
		return "pending_deletion", nil
	default:
		return string(out.KeyMetadata.KeyState), nil
	}
}

// Wipe zeros a byte slice in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
