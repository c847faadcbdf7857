// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package knx

import "fmt"

// Kind classifies the terminal error conditions a connection or management
// operation can surface to a caller.
type Kind int

const (
	// KindClosed means the connection is already terminated.
	KindClosed Kind = iota
	// KindTimeout means no response arrived within the configured window.
	KindTimeout
	// KindAckTimeout means no service-ack arrived after all send attempts.
	KindAckTimeout
	// KindInvalidResponse means a well-formed header carried a semantic mismatch.
	KindInvalidResponse
	// KindWireFormat means the bytes themselves could not be parsed.
	KindWireFormat
	// KindRemoteError means a positive response carried a non-success code.
	KindRemoteError
	// KindNegativeReturnCode means an extended service explicitly failed.
	KindNegativeReturnCode
	// KindSecure means a secure-session handshake, MAC, or replay check failed.
	KindSecure
	// KindLinkClosed means the underlying KNX link disappeared.
	KindLinkClosed
	// KindInterrupted means the caller's goroutine was cancelled.
	KindInterrupted
	// KindIllegalArgument means an out-of-range value was supplied at the API boundary.
	KindIllegalArgument
	// KindBusyState means a non-blocking send was attempted while one was already pending.
	KindBusyState
	// KindServerRequest means the peer itself tore the connection down (e.g. a RESET_IND).
	KindServerRequest
)

func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindTimeout:
		return "timeout"
	case KindAckTimeout:
		return "ack timeout"
	case KindInvalidResponse:
		return "invalid response"
	case KindWireFormat:
		return "wire format"
	case KindRemoteError:
		return "remote error"
	case KindNegativeReturnCode:
		return "negative return code"
	case KindSecure:
		return "secure"
	case KindLinkClosed:
		return "link closed"
	case KindInterrupted:
		return "interrupted"
	case KindIllegalArgument:
		return "illegal argument"
	case KindBusyState:
		return "busy state"
	case KindServerRequest:
		return "server request"
	default:
		return "unknown"
	}
}

// Error is the concrete error value behind every Kind above. Callers match on
// Kind with errors.As, not on message text.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is(err, knx.ErrClosed) work against a *Error with a matching Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel errors for errors.Is comparisons against well-known terminal states.
var (
	ErrClosed            = &Error{Kind: KindClosed, Msg: "connection closed"}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrAckTimeout        = &Error{Kind: KindAckTimeout, Msg: "no service-ack after all send attempts"}
	ErrInvalidResponse   = &Error{Kind: KindInvalidResponse}
	ErrBusyState         = &Error{Kind: KindBusyState, Msg: "non-blocking send while ack pending"}
	ErrInterrupted       = &Error{Kind: KindInterrupted}
	ErrIllegalArgument   = &Error{Kind: KindIllegalArgument}
	ErrServerRequest     = &Error{Kind: KindServerRequest, Msg: "adapter reset by the connected device"}
)
