package security

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrInvalidID = errors.New("invalid identifier")

const (
	// KindOrder and KindDelivery scope tokens so one kind cannot be replayed as another.
	KindOrder    = "order"
	KindDelivery = "delivery"

	minSecretLength = 32
	hkdfInfo        = "cardvault/idcodec/v1"
)

// IDCodec turns internal numeric ids into opaque tokens for the API
// boundary and back. Tokens are deterministic: one id always encodes to the
// same token.
type IDCodec interface {
	Encode(kind string, id int64) string
	Decode(kind, token string) (int64, error)
}

type idCodec struct {
	aead   cipher.AEAD
	macKey []byte
}

func NewIDCodec(secret string) (IDCodec, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("id codec secret must be at least %d characters", minSecretLength)
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	encKey := make([]byte, chacha20poly1305.KeySize)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		return nil, fmt.Errorf("derive nonce key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, err
	}
	return &idCodec{aead: aead, macKey: macKey}, nil
}

func (c *idCodec) Encode(kind string, id int64) string {
	plain := make([]byte, 8)
	binary.BigEndian.PutUint64(plain, uint64(id))

	nonce := c.nonce(kind, plain)
	out := c.aead.Seal(nonce, nonce, plain, []byte(kind))
	return base64.RawURLEncoding.EncodeToString(out)
}

func (c *idCodec) Decode(kind, token string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrInvalidID
	}
	ns := c.aead.NonceSize()
	if len(raw) <= ns {
		return 0, ErrInvalidID
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(kind))
	if err != nil || len(plain) != 8 {
		return 0, ErrInvalidID
	}
	id := int64(binary.BigEndian.Uint64(plain))
	if id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}

// nonce is a keyed hash of kind and id, so equal inputs share a nonce and
// distinct inputs never do.
func (c *idCodec) nonce(kind string, plain []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write(plain)
	return mac.Sum(nil)[:chacha20poly1305.NonceSizeX]
}
