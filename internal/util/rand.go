package util

import "crypto/rand"

const alnum = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString returns n random alphanumeric characters, used for tags and branch suffixes.
func RandString(n int) string { return random(n, alnum) }

// RandStringLC is [RandString] restricted to lower case letters and digits.
func RandStringLC(n int) string { return random(n, alnum[:36]) }

func random(n int, alphabet string) string {
	b := make([]byte, n)
	// crypto/rand.Read never fails
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
