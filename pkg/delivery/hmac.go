package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
)

// Webhook headers. Receivers verify the signature over the exact timestamp
// header value plus the canonicalized body.
const (
	HeaderSignature = "x-settld-signature"
	HeaderTimestamp = "x-settld-timestamp"
	HeaderDelivery  = "x-settld-delivery-id"
)

// MaxTimestampSkew bounds how old a signed timestamp may be on receipt.
const MaxTimestampSkew = 5 * time.Minute

// SignBody computes base64(HMAC-SHA256(secret, timestamp + "." + canonical(body))).
// The body is canonicalized first so receivers can re-serialize and still
// verify.
func SignBody(secret, timestamp string, body []byte) (string, error) {
	canonical, err := canonicalize.JCSBytes(body)
	if err != nil {
		return "", fmt.Errorf("delivery: canonicalize body: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyBody checks a received signature in constant time.
func VerifyBody(secret, timestamp string, body []byte, signature string) (bool, error) {
	want, err := SignBody(secret, timestamp, body)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1, nil
}

// Timestamp renders the wire timestamp carried in HeaderTimestamp: unix
// seconds, matching what receivers echo back on acks.
func Timestamp(at time.Time) string {
	return strconv.FormatInt(at.UTC().Unix(), 10)
}

// CheckTimestamp rejects timestamps too far from now in either direction.
func CheckTimestamp(value string, now time.Time) error {
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("delivery: bad timestamp %q", value)
	}
	at := time.Unix(secs, 0)
	if d := now.Sub(at); d > MaxTimestampSkew || d < -MaxTimestampSkew {
		return fmt.Errorf("delivery: timestamp %s outside %s skew", value, MaxTimestampSkew)
	}
	return nil
}
