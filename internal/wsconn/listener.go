package wsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stepherg/blizzardgw/internal/command"
	"github.com/stepherg/blizzardgw/internal/config"
	"github.com/stepherg/blizzardgw/internal/device"
	"github.com/stepherg/blizzardgw/internal/reactor"
	"github.com/stepherg/blizzardgw/internal/registry"
)

// cipherSuites excludes anonymous, weak, export-grade, and MD5 ciphers, the
// way AP_WS_Server::Start pins OpenSSL's "ALL:!ADH:!LOW:!EXP:!MD5:@STRENGTH"
// list (§4.A).
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// Manager owns one or more TLS listeners, the reactor pool, and the
// collaborators every accepted Connection is wired to (§4.A, §2 data
// flow). It assigns each accepted socket a monotonically increasing
// connection_id, never reused (§3).
type Manager struct {
	Registry    *registry.Registry
	Dispatcher  *device.Dispatcher
	Coordinator *command.Coordinator
	Reactors    *reactor.Pool
	Log         *zap.Logger

	MaxFramePayload int64

	issuer *x509.Certificate
	nextID uint64

	servers []*http.Server
}

// NewManager wires a Manager from resolved configuration. issuer, if
// non-nil, is the certificate peer certificates are checked against; a
// peer not signed by it is still admitted, as CertPresentInvalid (§4.A).
func NewManager(cfg config.Config, reg *registry.Registry, disp *device.Dispatcher, co *command.Coordinator, pool *reactor.Pool, issuer *x509.Certificate, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	maxPayload := int64(cfg.MaxFramePayload)
	if maxPayload <= 0 {
		maxPayload = 256 * 1024
	}
	return &Manager{
		Registry:        reg,
		Dispatcher:      disp,
		Coordinator:     co,
		Reactors:        pool,
		Log:             log,
		MaxFramePayload: maxPayload,
		issuer:          issuer,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve starts one TLS listener per entry in listeners and blocks until
// ctx is cancelled, at which point every listener is shut down (§5
// shutdown sequencing: listeners stop accepting first).
func (m *Manager) Serve(ctx context.Context, listeners []config.ListenerConfig) error {
	for _, lc := range listeners {
		srv, err := m.buildServer(lc)
		if err != nil {
			return errors.Wrapf(err, "build listener %s:%d", lc.Address, lc.Port)
		}
		m.servers = append(m.servers, srv)
		go func(lc config.ListenerConfig, srv *http.Server) {
			m.Log.Info("listener starting", zap.String("address", lc.Address), zap.Int("port", lc.Port))
			if err := srv.ListenAndServeTLS(lc.CertFile, lc.KeyFile); err != nil && err != http.ErrServerClosed {
				m.Log.Error("listener stopped", zap.Error(err))
			}
		}(lc, srv)
	}

	<-ctx.Done()
	for _, srv := range m.servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}

func (m *Manager) buildServer(lc config.ListenerConfig) (*http.Server, error) {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	if lc.RootCA != "" {
		pool, err := loadCertPool(lc.RootCA)
		if err != nil {
			return nil, errors.Wrap(err, "load root CA")
		}
		tlsCfg.ClientCAs = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		m.handleUpgrade(w, r)
	})

	return &http.Server{
		Addr:      lc.Address + ":" + strconv.Itoa(lc.Port),
		Handler:   mux,
		TLSConfig: tlsCfg,
	}, nil
}

func (m *Manager) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := atomic.AddUint64(&m.nextID, 1)
	certState := m.classifyPeerCert(r)
	commonName := peerCommonName(r)

	c := New(connectionID, conn, m.Registry, m.Dispatcher, m.Coordinator, m.MaxFramePayload, m.Log)
	c.CertState = certState
	c.CommonName = commonName
	m.Registry.AddConnection(connectionID, c, commonName)

	workerIdx := m.Reactors.Assign()
	m.Reactors.Submit(workerIdx, c.Serve)
}

// classifyPeerCert determines cert_state per §3/§4.A: a peer without a
// certificate is NO_CERT; one not issued by the configured issuer is
// PRESENT_INVALID but still admitted; otherwise VALID_CA (serial match is
// evaluated later, at connect time, against MismatchDepth).
func (m *Manager) classifyPeerCert(r *http.Request) registry.CertState {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return registry.CertNone
	}
	peer := r.TLS.PeerCertificates[0]
	if m.issuer != nil {
		if err := peer.CheckSignatureFrom(m.issuer); err != nil {
			return registry.CertPresentInvalid
		}
	}
	return registry.CertValidCA
}

// peerCommonName extracts the leaf peer certificate's CN, if any, so the
// device dispatch table can apply certificates.mismatchdepth once the
// device declares its serial at connect time (§4.A, §9).
func peerCommonName(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return r.TLS.PeerCertificates[0].Subject.CommonName
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in " + path)
	}
	return pool, nil
}
