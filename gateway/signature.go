package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// verifyHMAC checks a hex encoded signature over payload, case-insensitively.
func verifyHMAC(newHash func() hash.Hash, payload []byte, signature, secret string) bool {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	sigBytes, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sigBytes)
}

func signHMAC(newHash func() hash.Hash, payload []byte, secret string) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyStripeSignature checks a "t=<unix>,v1=<hex>" header. Any v1 entry
// may match, which lets the secret be rolled.
func verifyStripeSignature(header string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrSignature)
	}
	var ts int64 = -1
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrSignature)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrSignature)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
		}
	}

	payload := append([]byte(strconv.FormatInt(ts, 10)+"."), body...)
	for _, sig := range sigs {
		if verifyHMAC(sha256.New, payload, sig, secret) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignature)
}

// verifyAuthorizeNetSignature checks a "sha512=<HEX>" header.
func verifyAuthorizeNetSignature(header string, body []byte, key string) error {
	if key == "" {
		return fmt.Errorf("%w: signature key not configured", ErrSignature)
	}
	algo, sig, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || !strings.EqualFold(algo, "sha512") {
		return fmt.Errorf("%w: malformed header", ErrSignature)
	}
	if !verifyHMAC(sha512.New, body, sig, key) {
		return fmt.Errorf("%w: no matching signature", ErrSignature)
	}
	return nil
}
