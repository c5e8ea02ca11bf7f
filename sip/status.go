package sip

import "strconv"

// StatusCode is a SIP response status code.
type StatusCode uint16

const (
	StatusTrying               StatusCode = 100
	StatusRinging              StatusCode = 180
	StatusSessionProgress      StatusCode = 183
	StatusOK                   StatusCode = 200
	StatusMovedTemporarily     StatusCode = 302
	StatusBadRequest           StatusCode = 400
	StatusForbidden            StatusCode = 403
	StatusNotFound             StatusCode = 404
	StatusMethodNotAllowed     StatusCode = 405
	StatusRequestTimeout       StatusCode = 408
	StatusTemporarilyUnavail   StatusCode = 480
	StatusCallDoesNotExist     StatusCode = 481
	StatusLoopDetected         StatusCode = 482
	StatusTooManyHops          StatusCode = 483
	StatusAddressIncomplete    StatusCode = 484
	StatusBusyHere             StatusCode = 486
	StatusRequestTerminated    StatusCode = 487
	StatusServerInternalError  StatusCode = 500
	StatusNotImplemented       StatusCode = 501
	StatusServiceUnavailable   StatusCode = 503
	StatusVersionNotSupported  StatusCode = 505
	StatusMessageTooLarge      StatusCode = 513
	StatusBusyEverywhere       StatusCode = 600
	StatusDecline              StatusCode = 603
	StatusDoesNotExistAnywhere StatusCode = 604
)

var reasonPhrases = map[StatusCode]string{
	StatusTrying:               "Trying",
	StatusRinging:              "Ringing",
	StatusSessionProgress:      "Session Progress",
	StatusOK:                   "OK",
	StatusMovedTemporarily:     "Moved Temporarily",
	StatusBadRequest:           "Bad Request",
	StatusForbidden:            "Forbidden",
	StatusNotFound:             "Not Found",
	StatusMethodNotAllowed:     "Method Not Allowed",
	StatusRequestTimeout:       "Request Timeout",
	StatusTemporarilyUnavail:   "Temporarily Unavailable",
	StatusCallDoesNotExist:     "Call/Transaction Does Not Exist",
	StatusLoopDetected:         "Loop Detected",
	StatusTooManyHops:          "Too Many Hops",
	StatusAddressIncomplete:    "Address Incomplete",
	StatusBusyHere:             "Busy Here",
	StatusRequestTerminated:    "Request Terminated",
	StatusServerInternalError:  "Server Internal Error",
	StatusNotImplemented:       "Not Implemented",
	StatusServiceUnavailable:   "Service Unavailable",
	StatusVersionNotSupported:  "Version Not Supported",
	StatusMessageTooLarge:      "Message Too Large",
	StatusBusyEverywhere:       "Busy Everywhere",
	StatusDecline:              "Decline",
	StatusDoesNotExistAnywhere: "Does Not Exist Anywhere",
}

// Reason returns the default reason phrase of the status code.
func (c StatusCode) Reason() string {
	if r, ok := reasonPhrases[c]; ok {
		return r
	}
	switch {
	case c.IsProvisional():
		return "Session Progress"
	case c.IsSuccessful():
		return "OK"
	case c >= 300 && c < 400:
		return "Redirection"
	case c >= 400 && c < 500:
		return "Client Error"
	case c >= 500 && c < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

// IsValid reports whether the code is within the SIP range 100-699.
func (c StatusCode) IsValid() bool { return c >= 100 && c <= 699 }

// IsProvisional reports whether the code is 1xx.
func (c StatusCode) IsProvisional() bool { return c >= 100 && c < 200 }

// IsSuccessful reports whether the code is 2xx.
func (c StatusCode) IsSuccessful() bool { return c >= 200 && c < 300 }

// IsFinal reports whether the code is 2xx-6xx.
func (c StatusCode) IsFinal() bool { return c >= 200 && c <= 699 }

func (c StatusCode) String() string { return strconv.Itoa(int(c)) }
