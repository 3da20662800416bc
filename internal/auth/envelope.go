package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"
)

// EnvelopeAlgorithm identifies the hybrid scheme: RSA-OAEP-SHA256 wraps a
// 32-byte AES key, AES-256-GCM carries the payload.
const EnvelopeAlgorithm = "RSA-OAEP-256+A256GCM"

const (
	envelopeRSABits = 3072
	envelopeIVLen   = 12
	envelopeTagLen  = 16
	envelopeKeyLen  = 32
)

// Envelope is the wire format clients submit. All binary fields are base64url.
type Envelope struct {
	Algorithm    string `json:"algorithm"`
	KeyID        string `json:"keyId"`
	EncryptedKey string `json:"encryptedKey"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

// EnvelopePayload is the decrypted JSON body. Purpose, timestamp and nonce are
// policy fields validated per DecryptOptions; username/password are the
// credential specialization.
type EnvelopePayload struct {
	Purpose     string `json:"purpose,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// PublicKeyInfo is published to clients so they can build envelopes.
type PublicKeyInfo struct {
	Algorithm    string `json:"algorithm"`
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	Ephemeral    bool   `json:"ephemeral"`
}

// DecryptOptions is per-caller policy for DecryptPayload.
type DecryptOptions struct {
	// Purpose, when set, must equal the payload's purpose tag. Keeps envelopes
	// minted for one consumer from being replayed against another.
	Purpose string
	// MaxSkew, when positive, bounds |now - payload.TimestampMs|.
	MaxSkew time.Duration
	// RequireNonce rejects payloads with an empty nonce field.
	RequireNonce bool
}

// EnvelopeKey holds the server's RSA keypair for credential envelopes.
type EnvelopeKey struct {
	private   *rsa.PrivateKey
	keyID     string
	ephemeral bool
	now       func() time.Time
}

// LoadEnvelopeKey parses a PKCS#8 or PKCS#1 private key from PEM. When pemText
// is empty it generates an ephemeral 3072-bit keypair instead; the caller is
// expected to warn, since envelopes become undecryptable after a restart.
func LoadEnvelopeKey(pemText string) (*EnvelopeKey, error) {
	if pemText == "" {
		private, err := rsa.GenerateKey(rand.Reader, envelopeRSABits)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral envelope key: %w", err)
		}
		return newEnvelopeKey(private, true)
	}

	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("envelope key: no PEM block found")
	}

	var private *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("envelope key: not an RSA key")
		}
		private = rsaKey
	} else if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		private = rsaKey
	} else {
		return nil, fmt.Errorf("envelope key: unsupported PEM payload")
	}

	if private.N.BitLen() < envelopeRSABits {
		return nil, fmt.Errorf("envelope key: at least %d bits required", envelopeRSABits)
	}

	return newEnvelopeKey(private, false)
}

func newEnvelopeKey(private *rsa.PrivateKey, ephemeral bool) (*EnvelopeKey, error) {
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope public key: %w", err)
	}

	sum := sha256.Sum256(der)
	keyID := base64.RawURLEncoding.EncodeToString(sum[:])[:24]

	return &EnvelopeKey{private: private, keyID: keyID, ephemeral: ephemeral, now: time.Now}, nil
}

func (k *EnvelopeKey) KeyID() string   { return k.keyID }
func (k *EnvelopeKey) Ephemeral() bool { return k.ephemeral }

// PublicInfo returns the published key descriptor.
func (k *EnvelopeKey) PublicInfo() (PublicKeyInfo, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return PublicKeyInfo{}, fmt.Errorf("marshal envelope public key: %w", err)
	}

	pemText := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return PublicKeyInfo{
		Algorithm:    EnvelopeAlgorithm,
		KeyID:        k.keyID,
		PublicKeyPEM: string(pemText),
		Ephemeral:    k.ephemeral,
	}, nil
}

// DecryptPayload opens an envelope. Every failure, at any stage, returns the
// same ErrDecryptFailed.
func (k *EnvelopeKey) DecryptPayload(envelope Envelope, opts DecryptOptions) (EnvelopePayload, error) {
	if envelope.Algorithm != EnvelopeAlgorithm || envelope.KeyID != k.keyID {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	encryptedKey, err := base64.RawURLEncoding.DecodeString(envelope.EncryptedKey)
	if err != nil {
		return EnvelopePayload{}, ErrDecryptFailed
	}
	iv, err := base64.RawURLEncoding.DecodeString(envelope.IV)
	if err != nil || len(iv) != envelopeIVLen {
		return EnvelopePayload{}, ErrDecryptFailed
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return EnvelopePayload{}, ErrDecryptFailed
	}
	tag, err := base64.RawURLEncoding.DecodeString(envelope.Tag)
	if err != nil || len(tag) != envelopeTagLen {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, encryptedKey, nil)
	if err != nil || len(aesKey) != envelopeKeyLen {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return EnvelopePayload{}, ErrDecryptFailed
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	plaintext, err := aesgcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	var payload EnvelopePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	if opts.Purpose != "" && payload.Purpose != opts.Purpose {
		return EnvelopePayload{}, ErrDecryptFailed
	}
	if opts.MaxSkew > 0 {
		if payload.TimestampMs == 0 {
			return EnvelopePayload{}, ErrDecryptFailed
		}
		skew := k.now().UTC().Sub(time.UnixMilli(payload.TimestampMs))
		if skew < 0 {
			skew = -skew
		}
		if skew > opts.MaxSkew {
			return EnvelopePayload{}, ErrDecryptFailed
		}
	}
	if opts.RequireNonce && payload.Nonce == "" {
		return EnvelopePayload{}, ErrDecryptFailed
	}

	return payload, nil
}

// DecryptCredentials opens an envelope expected to carry username/password.
func (k *EnvelopeKey) DecryptCredentials(envelope Envelope, opts DecryptOptions) (username, password string, err error) {
	payload, err := k.DecryptPayload(envelope, opts)
	if err != nil {
		return "", "", err
	}
	if payload.Username == "" || payload.Password == "" {
		return "", "", ErrDecryptFailed
	}
	return payload.Username, payload.Password, nil
}
