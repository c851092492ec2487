// Package ident generates the short URL-safe identifiers used for message
// ids and lock tokens.
package ident

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	messageIDLength = 10
	lockTokenLength = 12
)

// MessageID returns a new 10-character message id.
func MessageID() string {
	return gonanoid.MustGenerate(alphabet, messageIDLength)
}

// LockToken returns a new fencing token. A fresh token is generated on every
// claim so two claims of the same row never share one.
func LockToken() string {
	return gonanoid.MustGenerate(alphabet, lockTokenLength)
}
