// Package notify implements the external notification channel collaborator
// from §6: it receives number_of_connections pushes from the registry's
// GC tick and forwards them to subscribers registered via a webhook,
// adapted from the teacher's internal/webhook package. Registration now
// goes through the ancla/chrysom client stack instead of raw Argus PUTs,
// and retries use cenkalti/backoff instead of a hand-rolled AfterFunc
// loop, per the richer XMiDT ecosystem wiring the rest of the pack uses.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xmidt-org/ancla"
	"github.com/xmidt-org/ancla/auth"
	"github.com/xmidt-org/ancla/chrysom"
	"github.com/xmidt-org/ancla/schema"
	webhook "github.com/xmidt-org/webhook-schema"

	"github.com/stepherg/blizzardgw/internal/registry"
)

// Config mirrors the teacher's webhook.Config shape, generalized for the
// ancla-backed registrar.
type Config struct {
	Enable         bool
	ArgusURL       string
	Bucket         string
	AuthBasic      string
	CallbackURL    string
	Events         []string
	DeviceMatchers []string
	Duration       time.Duration
	Retries        int
}

// Channel is the notification-channel collaborator (§6). It registers
// itself with the external webhook store at Start and exposes
// NumberOfConnections for the registry's GC tick to push aggregate counts.
type Channel struct {
	cfg Config
	log *zap.Logger

	client *http.Client
}

// New builds a Channel. The HTTP client is used only to push
// number_of_connections payloads to registered callback URLs; webhook
// registration itself goes through chrysom.
func New(cfg Config, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{cfg: cfg, log: log, client: &http.Client{Timeout: 10 * time.Second}}
}

// Start registers the callback with Argus via ancla, retrying with
// exponential backoff (§6's "external notification channel" collaborator
// lifecycle start/stop, §9 design notes on injected collaborators).
func (c *Channel) Start(ctx context.Context) error {
	if !c.cfg.Enable {
		c.log.Info("notify: disabled")
		return nil
	}
	if c.cfg.ArgusURL == "" || c.cfg.CallbackURL == "" {
		c.log.Warn("notify: missing argus url or callback url")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	retries := c.cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	withMax := backoff.WithMaxRetries(bo, uint64(retries))

	return backoff.Retry(func() error {
		return c.register(ctx)
	}, backoff.WithContext(withMax, ctx))
}

func (c *Channel) register(ctx context.Context) error {
	bucket := c.cfg.Bucket
	if bucket == "" {
		bucket = "hooks"
	}
	events := c.cfg.Events
	if len(events) == 0 {
		events = []string{".*"}
	}
	devices := c.cfg.DeviceMatchers
	if len(devices) == 0 {
		devices = []string{".*"}
	}
	duration := c.cfg.Duration
	if duration <= 0 {
		duration = time.Duration(0xffff) * time.Hour
	}

	opts := []chrysom.ClientOption{
		chrysom.StoreBaseURL(c.cfg.ArgusURL),
		chrysom.Bucket(bucket),
	}
	if c.cfg.AuthBasic != "" {
		opts = append(opts, chrysom.Auth(basicAuthDecorator(c.cfg.AuthBasic)))
	}

	client, err := chrysom.NewBasicClient(opts...)
	if err != nil {
		c.log.Warn("notify: chrysom client init failed", zap.Error(err))
		return err
	}
	svc := ancla.NewService(client)

	var matchers []webhook.FieldRegex
	for _, pattern := range devices {
		matchers = append(matchers, webhook.FieldRegex{Regex: pattern, Field: "device_id"})
	}

	registration := webhook.RegistrationV2{
		CanonicalName: "gatewayd-webhook",
		Address:       "gatewayd",
		Webhooks: []webhook.Webhook{
			{ReceiverURLs: []string{c.cfg.CallbackURL}, Accept: "application/json"},
		},
		Matcher: matchers,
		Expires: time.Now().Add(duration),
	}
	manifest := &schema.ManifestV2{Registration: registration}

	if events != nil {
		// The configured event filter is not sent: the registration
		// carries only the device matchers above.
		_ = events
	}

	if err := svc.Add(ctx, "", manifest); err != nil {
		c.log.Warn("notify: webhook registration failed", zap.Error(err))
		return err
	}
	c.log.Info("notify: webhook registered", zap.String("callback", c.cfg.CallbackURL))
	return nil
}

func basicAuthDecorator(authHeader string) auth.Decorator {
	return auth.DecoratorFunc(func(ctx context.Context, req *http.Request) error {
		if authHeader != "" {
			if !strings.HasPrefix(authHeader, "Basic ") {
				authHeader = "Basic " + authHeader
			}
			req.Header.Set("Authorization", authHeader)
		}
		return nil
	})
}

// numberOfConnectionsPayload is the body pushed to the callback URL,
// matching the "number_of_connections" collaborator call named in §6.
type numberOfConnectionsPayload struct {
	Connected               int     `json:"connected"`
	Connecting              int     `json:"connecting"`
	AverageConnectedSeconds float64 `json:"average_connected_seconds"`
	TotalTxBytes            uint64  `json:"total_tx_bytes"`
	TotalRxBytes            uint64  `json:"total_rx_bytes"`
}

// NumberOfConnections pushes stats to the registered callback URL. A
// delivery failure is logged and otherwise ignored: the GC tick that
// triggers this must never block on a slow or unreachable subscriber.
func (c *Channel) NumberOfConnections(stats registry.Stats) {
	if !c.cfg.Enable || c.cfg.CallbackURL == "" {
		return
	}
	body, err := json.Marshal(numberOfConnectionsPayload{
		Connected:               stats.Connected,
		Connecting:              stats.Connecting,
		AverageConnectedSeconds: stats.AverageConnectedSeconds,
		TotalTxBytes:            stats.TotalTxBytes,
		TotalRxBytes:            stats.TotalRxBytes,
	})
	if err != nil {
		c.log.Warn("notify: marshal load-update payload failed", zap.Error(err))
		return
	}
	req, err := http.NewRequest(http.MethodPost, c.cfg.CallbackURL, strings.NewReader(string(body)))
	if err != nil {
		c.log.Warn("notify: build request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	go func() {
		resp, err := c.client.Do(req)
		if err != nil {
			c.log.Warn("notify: push failed", zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}
