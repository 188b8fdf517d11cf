// Package models provides the domain types for the Atrium orchestration backend.
package models

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// ID prefixes are stable per entity type. Identifiers are opaque strings of
// the form <prefix>_<alphanumeric>, at least six characters after the prefix.
const (
	PrefixChat       = "cht"
	PrefixMessage    = "msg"
	PrefixAgent      = "agt"
	PrefixServer     = "srv"
	PrefixTool       = "tol"
	PrefixResource   = "res"
	PrefixValidation = "val"
	PrefixAutomation = "auto"
	PrefixTrigger    = "trg"
	PrefixExecution  = "exec"
	PrefixAPIKey     = "key"
	PrefixModel      = "mdl"
	PrefixService    = "svc"
	PrefixUpload     = "upr"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// idLength is the number of random characters after the prefix.
const idLength = 16

// NewID generates an opaque identifier with the given type prefix.
func NewID(prefix string) string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a state where nothing
		// else will work either.
		panic(fmt.Sprintf("models: id generation: %v", err))
	}
	var sb strings.Builder
	sb.Grow(len(prefix) + 1 + idLength)
	sb.WriteString(prefix)
	sb.WriteByte('_')
	for _, b := range buf {
		sb.WriteByte(idAlphabet[int(b)%len(idAlphabet)])
	}
	return sb.String()
}

// HasPrefix reports whether id carries the given type prefix with a suffix of
// at least six alphanumeric characters.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok || len(rest) < 6 {
		return false
	}
	for _, r := range rest {
		if !strings.ContainsRune(idAlphabet, r) {
			return false
		}
	}
	return true
}
