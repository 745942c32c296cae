package types

import (
	"crypto/rand"
	"fmt"
)

// Room code alphabet, without 0/O and 1/I to keep codes readable aloud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// GenerateRoomCode returns a random room code. Uniqueness is not checked
// here, use NewRoomCode.
func GenerateRoomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// NewRoomCode generates a room code that is not currently taken. A collision
// triggers regeneration, never reuse of an active code.
func NewRoomCode(taken func(code string) bool) (string, error) {
	const maxAttempts = 100
	for i := 0; i < maxAttempts; i++ {
		code, err := GenerateRoomCode()
		if err != nil {
			return "", err
		}
		if !taken(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique room code in %d attempts", maxAttempts)
}
