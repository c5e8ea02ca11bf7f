package sip

import "github.com/ghettovoice/sipproxy/internal/util"

// RequestMethod is a SIP request method.
// Methods are case-sensitive on the wire, use [RequestMethod.Equal] to compare.
type RequestMethod string

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return util.EqFold(m, other)
}

// ToUpper returns the upper-cased method.
func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

// IsDialogForming reports whether the method may establish a dialog.
func (m RequestMethod) IsDialogForming() bool {
	return m.Equal(RequestMethodInvite) || m.Equal(RequestMethodSubscribe) || m.Equal(RequestMethodRefer)
}
