package routing

import (
	"strconv"
	"strings"

	"github.com/ghettovoice/sipproxy/internal/util"
	"github.com/ghettovoice/sipproxy/sip"
)

// branch hash length in hex digits, see [sip.BranchHash].
const branchHashLen = 24

// routeHash hashes the request fields that determine the routing decision
// together with the Via hop the request arrived with, RFC 3261 16.6 step 8.
// The same request arriving again through a loop produces the same hash.
func (r *Router) routeHash(req *sip.Request, prev sip.ViaHop) string {
	var fromTag, toTag string
	if from, err := req.Headers.From(); err == nil {
		fromTag = from.Tag()
	}
	if to, err := req.Headers.To(); err == nil {
		toTag = to.Tag()
	}
	callID, _ := req.Headers.CallID()
	var seq, method string
	if cseq, err := req.Headers.CSeq(); err == nil {
		seq, method = strconv.FormatUint(uint64(cseq.Seq), 10), string(cseq.Method.ToUpper())
	}
	return sip.BranchHash(
		r.id,
		req.URI.String(),
		fromTag,
		toTag,
		callID,
		seq,
		method,
		prev.SentBy(),
		prev.Branch(),
	)
}

func branchPrefix(hash string) string { return sip.MagicCookie + "." + hash }

// newBranch returns the branch of a forwarded request.
// Stateful forwarding adds a random suffix, stateless forwarding must be deterministic.
func newBranch(hash string, stateless bool) string {
	if stateless {
		return branchPrefix(hash)
	}
	return branchPrefix(hash) + "." + util.RandString(10)
}

// isOwnBranch reports whether the branch has the shape produced by [newBranch].
func isOwnBranch(branch string) bool {
	rest, ok := strings.CutPrefix(branch, sip.MagicCookie+".")
	if !ok {
		return false
	}
	hash, _, _ := strings.Cut(rest, ".")
	if len(hash) != branchHashLen {
		return false
	}
	for _, c := range hash {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// isLoop reports whether a Via hop inserted by this proxy carries the branch
// this proxy computes for the request now, RFC 3261 16.3 step 4.
// Only the branch hash decides: a hop with this proxy's sent-by but any other branch,
// including one this proxy never generated, is treated as a spiral and forwarded.
func (r *Router) isLoop(req *sip.Request, hops []sip.ViaHop) bool {
	for i := 0; i+1 < len(hops); i++ {
		if hops[i].SentBy() != r.sentBy {
			continue
		}
		if strings.HasPrefix(hops[i].Branch(), branchPrefix(r.routeHash(req, hops[i+1]))) {
			return true
		}
	}
	return false
}
