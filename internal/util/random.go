package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewTurnID returns a correlation id attached to every log line of one conversational turn.
func NewTurnID() string {
	return "t_" + uuid.NewString()
}

// NewMessageID returns an id for inbound messages whose transport supplies none.
func NewMessageID() string {
	return uuid.NewString()
}

// Pick returns one element of options using r, or "" when options is empty.
func Pick(r *rand.Rand, options []string) string {
	if len(options) == 0 {
		return ""
	}
	if r == nil {
		return options[rand.IntN(len(options))]
	}
	return options[r.IntN(len(options))]
}
