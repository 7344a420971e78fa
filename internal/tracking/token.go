package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const macSize = 16

// ErrInvalidToken is returned for tokens that are malformed or carry a bad MAC.
var ErrInvalidToken = errors.New("invalid tracking token")

// Signer issues opaque tracking tokens so pixel URLs do not expose raw ids
// and cannot be forged for other recipients.
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign encodes both ids and a truncated HMAC-SHA256 as unpadded base64url.
func (s *Signer) Sign(newsletterID, userID uuid.UUID) string {
	buf := make([]byte, 0, 32+macSize)
	buf = append(buf, newsletterID[:]...)
	buf = append(buf, userID[:]...)
	buf = append(buf, s.mac(buf)...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Verify decodes a token produced by Sign.
func (s *Signer) Verify(token string) (uuid.UUID, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 32+macSize {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	if !hmac.Equal(raw[32:], s.mac(raw[:32])) {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	newsletterID, _ := uuid.FromBytes(raw[:16])
	userID, _ := uuid.FromBytes(raw[16:32])
	return newsletterID, userID, nil
}

func (s *Signer) mac(data []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return h.Sum(nil)[:macSize]
}

// URLBuilder renders absolute pixel URLs for outgoing emails. With a Signer
// it emits the signed form, otherwise the raw-id form.
type URLBuilder struct {
	base   string
	signer *Signer
}

func NewURLBuilder(baseURL string, signer *Signer) (*URLBuilder, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public base url %q", baseURL)
	}
	return &URLBuilder{base: strings.TrimRight(baseURL, "/"), signer: signer}, nil
}

func (b *URLBuilder) PixelURL(newsletterID, userID uuid.UUID) string {
	if b.signer != nil {
		return fmt.Sprintf("%s/p/%s.png", b.base, b.signer.Sign(newsletterID, userID))
	}
	return fmt.Sprintf("%s/t/%s/%s/pixel.png", b.base, newsletterID, userID)
}
