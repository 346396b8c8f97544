package wsconn

import "github.com/pkg/errors"

// Kind classifies a failure at the frame boundary (§7). The reactor worker
// catches every error at this boundary and dispatches on Kind rather than
// letting a panic or unclassified error propagate (§9 design notes).
type Kind int

const (
	KindProtocol Kind = iota
	KindTransport
	KindCertificate
	KindPolicy
	KindTimeout
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindCertificate:
		return "certificate"
	case KindPolicy:
		return "policy"
	case KindTimeout:
		return "timeout"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// ClassifiedError pairs an underlying error with its §7 Kind so the
// reactor loop can decide whether a connection survives.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (c *ClassifiedError) Error() string { return c.Kind.String() + ": " + c.Err.Error() }
func (c *ClassifiedError) Unwrap() error { return c.Err }

func classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// ErrOversizedFrame classifies a frame exceeding the configured maximum
// payload as a ProtocolError that forces CLOSING (§4.B).
var ErrOversizedFrame = errors.New("wsconn: frame exceeds maximum payload size")
