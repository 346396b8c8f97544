package bridge

import "github.com/pkg/errors"

// Kind classifies a failure on the upstream WRP path, the bridge's own
// narrowing of §7's taxonomy to the concerns this package owns: did the
// message never leave the process, did the network fail, or did the
// upstream service itself reject it.
type Kind int

const (
	KindEncode Kind = iota
	KindTransport
	KindUpstreamStatus
)

func (k Kind) String() string {
	switch k {
	case KindEncode:
		return "encode"
	case KindTransport:
		return "transport"
	case KindUpstreamStatus:
		return "upstream_status"
	default:
		return "unknown"
	}
}

// ClassifiedError pairs an underlying error with its Kind. The Bridge's
// forward and SubmitCommand paths do not branch on Kind: forward logs the
// error, and SubmitCommand tries the next candidate service.
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

// ErrBadStatus indicates a non-2xx response from the upstream WRP endpoint.
var ErrBadStatus = errors.New("bridge: upstream returned non-2xx status")
