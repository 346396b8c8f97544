// Package bridge implements the optional WRP/Scytale upstream integration:
// device events are forwarded upstream as WRP SimpleEvent messages, and
// externally submitted commands can be routed to the device over one of
// several candidate services. Adapted from the teacher's internal/rpc
// package (wrp_client.go, wrp_dispatcher.go, multi_service_dispatcher.go),
// generalized from "the whole gateway is a WRP dispatcher" into "WRP is one
// optional upstream the gateway can bridge to," since this module's device
// protocol dispatch now lives in internal/device rather than being WRP the
// whole way down.
package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	wrp "github.com/xmidt-org/wrp-go/v3"
	"go.uber.org/zap"

	"github.com/pkg/errors"
)

// Client posts msgpack-encoded WRP messages to a Scytale-compatible
// endpoint and decodes the WRP response (§4.B's optional upstream bridge).
// Every failure is both logged through Log and classified through Kind.
// The Bridge's own callers do not inspect Kind: SubmitCommand moves on to
// the next candidate service after any error.
type Client struct {
	HTTP          *http.Client
	URL           string
	Authorization string
	Log           *zap.Logger
}

// NewClient builds a Client with a bounded default timeout.
func NewClient(url, authorization string) *Client {
	return &Client{HTTP: &http.Client{Timeout: 10 * time.Second}, URL: url, Authorization: authorization, Log: zap.NewNop()}
}

func (c *Client) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// Do sends m and decodes the WRP response.
func (c *Client) Do(ctx context.Context, m *wrp.Message) (*wrp.Message, error) {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	buf := &bytes.Buffer{}
	if err := wrp.NewEncoder(buf, wrp.Msgpack).Encode(m); err != nil {
		c.logger().Warn("bridge client: encode failed", zap.String("dest", m.Destination), zap.Error(err))
		return nil, classify(KindEncode, errors.Wrap(err, "encode wrp message"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, buf)
	if err != nil {
		c.logger().Warn("bridge client: build request failed", zap.String("url", c.URL), zap.Error(err))
		return nil, classify(KindTransport, errors.Wrap(err, "build upstream request"))
	}
	req.Header.Set("Content-Type", "application/msgpack")
	if auth := authHeader(c.Authorization); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.logger().Warn("bridge client: upstream request failed", zap.String("url", c.URL), zap.Error(err))
		return nil, classify(KindTransport, errors.Wrap(err, "send upstream request"))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger().Warn("bridge client: non-2xx upstream status",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
		return nil, classify(KindUpstreamStatus, errors.Wrapf(ErrBadStatus, "status=%d body=%s", resp.StatusCode, string(body)))
	}
	var out wrp.Message
	if err := wrp.NewDecoder(resp.Body, wrp.Msgpack).Decode(&out); err != nil {
		c.logger().Warn("bridge client: decode response failed", zap.String("url", c.URL), zap.Error(err))
		return nil, classify(KindEncode, errors.Wrap(err, "decode wrp response"))
	}
	return &out, nil
}

// authHeader prefixes raw with a scheme unless it already names one
// (Basic/Bearer/Digest), matching the teacher's auth-scheme detection.
func authHeader(raw string) string {
	if raw == "" {
		return ""
	}
	auth := strings.TrimSpace(raw)
	lower := strings.ToLower(auth)
	if strings.HasPrefix(lower, "basic ") || strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "digest ") {
		return auth
	}
	return "Basic " + auth
}
