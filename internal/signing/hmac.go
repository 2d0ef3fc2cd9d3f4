package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-FanRelay-Timestamp"
	HeaderSignature = "X-FanRelay-Signature"
)

// Signer produces "v1=<hex>" HMAC-SHA256 signatures over "<unix>.<payload>".
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) Sign(payload []byte) (signature string, timestamp int64) {
	timestamp = s.now().Unix()
	return s.sign(timestamp, payload), timestamp
}

func (s *Signer) Verify(payload []byte, timestamp int64, signature string) bool {
	return hmac.Equal([]byte(s.sign(timestamp, payload)), []byte(signature))
}

func (s *Signer) sign(timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}
