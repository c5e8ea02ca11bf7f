package util

import (
	"strings"
	"sync"
)

// EqFold reports whether a and b are equal under simple case folding.
// SIP methods, header names and URI hosts compare this way.
func EqFold[A, B ~string](a A, b B) bool { return strings.EqualFold(string(a), string(b)) }

func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

// Ellipsis cuts s after n runes and marks the cut with "...".
func Ellipsis(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

// maxPooledBuilder caps builders returned to the pool, so one huge message does not pin memory.
const maxPooledBuilder = 64 << 10

var builders = sync.Pool{
	New: func() any { return new(strings.Builder) },
}

// GetStringBuilder takes an empty builder from the pool.
func GetStringBuilder() *strings.Builder {
	return builders.Get().(*strings.Builder) //nolint:forcetypeassert
}

// FreeStringBuilder returns sb to the pool. Strings built from sb stay valid.
func FreeStringBuilder(sb *strings.Builder) {
	if sb.Cap() > maxPooledBuilder {
		return
	}
	sb.Reset()
	builders.Put(sb)
}
