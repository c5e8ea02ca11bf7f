// Package grammar contains ABNF rules from RFC 3261 used to validate message tokens.
package grammar

import "github.com/ghettovoice/abnf"

func init() {
	abnf.EnableNodeCache(1024)
}

// token = 1*(alphanum / "-" / "." / "!" / "%" / "*" / "_" / "+" / "`" / "'" / "~" )
var token = abnf.Repeat1Inf("token",
	abnf.AltFirst("token-char",
		abnf.Range("ALPHA", []byte("A"), []byte("Z")),
		abnf.Range("alpha", []byte("a"), []byte("z")),
		abnf.Range("DIGIT", []byte("0"), []byte("9")),
		abnf.Literal("-", []byte("-")),
		abnf.Literal(".", []byte(".")),
		abnf.Literal("!", []byte("!")),
		abnf.Literal("%", []byte("%")),
		abnf.Literal("*", []byte("*")),
		abnf.Literal("_", []byte("_")),
		abnf.Literal("+", []byte("+")),
		abnf.Literal("`", []byte("`")),
		abnf.Literal("'", []byte("'")),
		abnf.Literal("~", []byte("~")),
	),
)

// IsToken reports whether s is a valid RFC 3261 token,
// e.g. a request method or a header field name.
func IsToken[T ~string | ~[]byte](s T) bool {
	if len(s) == 0 {
		return false
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := token([]byte(s), 0, ns); err != nil {
		return false
	}
	n := ns.Best()
	return n != nil && n.Len() == len(s)
}
