// Package rpcmsg implements JSON-RPC 2.0 framing for the device wire
// protocol (§4.B, §6), adapted from the teacher's internal/rpc package.
package rpcmsg

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Request is a JSON-RPC 2.0 request or notification. Notifications omit ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response carrying either Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error matches the JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Kind distinguishes a parsed frame as a device request, a device response,
// or neither (§4.B).
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
)

// Parsed is the result of sniffing an inbound JSON value.
type Parsed struct {
	Kind     Kind
	Request  *Request
	Response *Response
}

// ErrMalformed is the sentinel that this package's parse and decode errors
// wrap; errors.Is matches it through that wrapping (§7).
var ErrMalformed = errors.New("rpcmsg: malformed JSON-RPC payload")

// Parse sniffs a raw JSON text frame into a Request, a Response, or
// KindUnknown, per the dispatch rule in §4.B: an object with
// jsonrpc+method+params is a request; one with jsonrpc+result+id is a
// response; anything else is
// logged and ignored by the caller.
func Parse(raw []byte) (Parsed, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Parsed{}, errors.Wrap(ErrMalformed, err.Error())
	}
	_, hasMethod := probe["method"]
	_, hasParams := probe["params"]
	_, hasResult := probe["result"]
	_, hasID := probe["id"]
	_, hasJSONRPC := probe["jsonrpc"]

	if hasJSONRPC && hasMethod && hasParams {
		var r Request
		if err := json.Unmarshal(raw, &r); err != nil {
			return Parsed{}, errors.Wrap(ErrMalformed, err.Error())
		}
		return Parsed{Kind: KindRequest, Request: &r}, nil
	}
	if hasJSONRPC && hasResult && hasID {
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			return Parsed{}, errors.Wrap(ErrMalformed, err.Error())
		}
		return Parsed{Kind: KindResponse, Response: &r}, nil
	}
	return Parsed{Kind: KindUnknown}, nil
}

// EncodeRequest and EncodeResponse render a request or a response into the
// wire JSON text frame.
func EncodeRequest(r *Request) ([]byte, error) {
	return json.Marshal(r)
}

func EncodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(r)
}

// maxInflationRatio caps zlib expansion to defend against memory blowups
// from an untrusted size hint (§4.B).
const maxInflationRatio = 10

// DecompressParams inspects params for a string field "compress_64"; if
// present, base64-decodes then zlib-inflates it (capped at
// maxInflationRatio * len(input)) and returns the inflated object as the
// new params, replacing the original. If the field is absent, params is
// returned unchanged.
func DecompressParams(params json.RawMessage) (json.RawMessage, error) {
	var probe struct {
		Compress64 *string `json:"compress_64"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if probe.Compress64 == nil {
		return params, nil
	}
	raw, err := base64.StdEncoding.DecodeString(*probe.Compress64)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, fmt.Sprintf("compress_64 base64: %v", err))
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, fmt.Sprintf("compress_64 zlib: %v", err))
	}
	defer zr.Close()

	limit := int64(len(raw)) * maxInflationRatio
	if limit <= 0 {
		limit = 4096
	}
	inflated, err := io.ReadAll(io.LimitReader(zr, limit))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, fmt.Sprintf("compress_64 inflate: %v", err))
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(inflated, &obj); err != nil {
		return nil, errors.Wrap(ErrMalformed, fmt.Sprintf("compress_64 payload not an object: %v", err))
	}
	return inflated, nil
}
