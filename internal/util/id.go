package util

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// DateKey formats a time as the canonical sheet key, YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
