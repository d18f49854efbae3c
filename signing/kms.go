package signing

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
)

// KMS accepts at most this many bytes with MessageType RAW.
const kmsMaxRawMessage = 4096

// KMSAPI is the subset of the KMS client used by KMSSigner.
type KMSAPI interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSConfig configures a KMSSigner.
type KMSConfig struct {
	Region           string
	KeyID            string
	SigningAlgorithm string
}

// KMSSigner signs with an asymmetric AWS KMS key. The private key never
// leaves KMS.
type KMSSigner struct {
	client    KMSAPI
	keyID     string
	algorithm types.SigningAlgorithmSpec
}

// NewKMSSigner wraps an existing client. An empty algorithm means
// ECDSA_SHA_256.
func NewKMSSigner(client KMSAPI, keyID string, algorithm types.SigningAlgorithmSpec) (*KMSSigner, error) {
	if keyID == "" {
		return nil, fmt.Errorf("KMS signing key ID not configured")
	}
	if algorithm == "" {
		algorithm = types.SigningAlgorithmSpecEcdsaSha256
	}
	if !slices.Contains(algorithm.Values(), algorithm) {
		return nil, fmt.Errorf("unknown KMS signing algorithm %q", algorithm)
	}
	return &KMSSigner{client: client, keyID: keyID, algorithm: algorithm}, nil
}

// NewKMSSignerFromConfig loads the default AWS configuration for the region.
func NewKMSSignerFromConfig(ctx context.Context, cfg KMSConfig) (*KMSSigner, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewKMSSigner(kms.NewFromConfig(awsCfg), cfg.KeyID, types.SigningAlgorithmSpec(cfg.SigningAlgorithm))
}

// Sign sends short messages as RAW. Longer ones are hashed locally and sent
// as DIGEST, which yields the same signature.
func (s *KMSSigner) Sign(ctx context.Context, message string) (string, error) {
	in := &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		SigningAlgorithm: s.algorithm,
		MessageType:      types.MessageTypeRaw,
		Message:          []byte(message),
	}
	if len(message) > kmsMaxRawMessage {
		h, err := digestHash(s.algorithm)
		if err != nil {
			return "", err
		}
		hh := h.New()
		hh.Write([]byte(message))
		in.MessageType = types.MessageTypeDigest
		in.Message = hh.Sum(nil)
	}

	out, err := s.client.Sign(ctx, in)
	if err != nil {
		return "", fmt.Errorf("KMS sign failed: %w", err)
	}

	log.Debug().
		Int("message_len", len(message)).
		Str("message_type", string(in.MessageType)).
		Int("signature_len", len(out.Signature)).
		Msg("KMS sign successful")

	return base64.StdEncoding.EncodeToString(out.Signature), nil
}

// PublicKey returns the key's DER SubjectPublicKeyInfo, base64.
func (s *KMSSigner) PublicKey(ctx context.Context) (string, error) {
	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(s.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("KMS get public key failed: %w", err)
	}
	if out.KeyUsage != "" && out.KeyUsage != types.KeyUsageTypeSignVerify {
		return "", fmt.Errorf("KMS key %s is not a signing key (usage %s)", s.keyID, out.KeyUsage)
	}
	return base64.StdEncoding.EncodeToString(out.PublicKey), nil
}

func digestHash(alg types.SigningAlgorithmSpec) (crypto.Hash, error) {
	name := string(alg)
	switch {
	case strings.HasSuffix(name, "_SHA_256"):
		return crypto.SHA256, nil
	case strings.HasSuffix(name, "_SHA_384"):
		return crypto.SHA384, nil
	case strings.HasSuffix(name, "_SHA_512"):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("message too long for KMS algorithm %s", alg)
	}
}
