package util

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

func newID(prefix string) string {
	// 80 bits random + timestamp prefix for better sorting.
	var b [10]byte
	_, _ = rand.Read(b[:])
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
	enc = strings.ToLower(enc)
	return prefix + time.Now().UTC().Format("20060102t150405z") + "_" + enc
}

func NewRunID() string { return newID("run_") }

// RequirementID formats a stable requirement id (REQ-001, REQ-002, ...).
func RequirementID(n int) string { return fmt.Sprintf("REQ-%03d", n) }
