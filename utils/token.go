package utils

import (
	"sync"
	"time"
)

// revoked tokens, kept until they would have expired anyway
var (
	blacklistedTokens = make(map[string]time.Time)
	blacklistMutex    sync.RWMutex
)

func BlacklistToken(token string, until time.Time) {
	blacklistMutex.Lock()
	defer blacklistMutex.Unlock()

	now := time.Now()
	for t, expiry := range blacklistedTokens {
		if now.After(expiry) {
			delete(blacklistedTokens, t)
		}
	}
	blacklistedTokens[token] = until
}

func IsTokenBlacklisted(token string) bool {
	blacklistMutex.RLock()
	defer blacklistMutex.RUnlock()

	expiry, exists := blacklistedTokens[token]
	return exists && time.Now().Before(expiry)
}

// ValidateToken parses a token and rejects revoked ones.
func ValidateToken(tokenString string) (*CustomClaims, error) {
	if IsTokenBlacklisted(tokenString) {
		return nil, ErrInvalidToken
	}
	return ParseToken(tokenString)
}
