// Package apnsession implements a Session/Connection Pool/Stream Dispatcher
// for sending push notifications to Apple's APNs HTTP/2 provider API. A
// Session owns a bounded pool of TLS connections, each multiplexing up to
// maxConcurrentStreams notification requests, and returns a classified
// ApnResult for every send rather than a raw HTTP/2 status.
package apnsession

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/brineforge/apnsession/pkg/apntype"
	"github.com/brineforge/apnsession/pkg/constants"
	"github.com/brineforge/apnsession/pkg/credentials"
	"github.com/brineforge/apnsession/pkg/devicetoken"
	"github.com/brineforge/apnsession/pkg/envelope"
	apnserrors "github.com/brineforge/apnsession/pkg/errors"
	"github.com/brineforge/apnsession/pkg/pool"
	"github.com/brineforge/apnsession/pkg/result"
	"github.com/brineforge/apnsession/pkg/tlsconfig"
	"github.com/brineforge/apnsession/pkg/wire"
)

// Config configures a new Session. Exactly one credential style is used:
// in JWT mode (UseJWT) the cert/key/CA fields are ignored; otherwise
// CertPath/KeyPath/CAPath (or their *PEM equivalents) are all required.
type Config struct {
	CertPath, KeyPath, CAPath string
	CertPEM, KeyPEM, CAPEM    []byte

	UseJWT  bool
	Sandbox bool
	Topic   string

	MaxConcurrentStreams int
	MaxConnections       int

	Logger zerolog.Logger
}

// Session is the top-level handle: it owns the connection pool, the topic,
// the target host, the JWT-mode flag, and the open/closed lifecycle flag.
// A Session is safe for concurrent use by many callers.
type Session struct {
	pool     *pool.Pool
	hostname string
	topic    string
	useJWT   bool
	log      zerolog.Logger
	open     atomic.Bool
}

// NewSession selects the sandbox or production host, validates credentials,
// and constructs the connection pool. Constructing a session in certificate
// mode with missing or unreadable credentials is a programmer error and
// aborts rather than returning an error.
func NewSession(cfg Config) *Session {
	hostname := constants.ProductionHost
	if cfg.Sandbox {
		hostname = constants.SandboxHost
	}

	maxConcurrentStreams := cfg.MaxConcurrentStreams
	if maxConcurrentStreams <= 0 {
		maxConcurrentStreams = constants.DefaultMaxConcurrentStreams
	}
	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = constants.DefaultMaxConnections
	}

	src := credentials.Source{
		UseJWT:   cfg.UseJWT,
		CertPath: cfg.CertPath, KeyPath: cfg.KeyPath, CAPath: cfg.CAPath,
		CertPEM: cfg.CertPEM, KeyPEM: cfg.KeyPEM, CAPEM: cfg.CAPEM,
	}
	loaded, err := credentials.Load(src)
	if err != nil {
		panic("apnsession: " + err.Error())
	}

	log := cfg.Logger.With().Str("component", "session").Str("host", hostname).
		Str("topic", cfg.Topic).Bool("jwt", cfg.UseJWT).Logger()

	info := wire.Info{
		Hostname:             hostname,
		MaxConcurrentStreams: uint32(maxConcurrentStreams),
		Credentials:          src,
		TLSProfile:           tlsconfig.ProfileAPNsHistorical,
	}

	s := &Session{
		pool:     pool.New(info, loaded, maxConnections, log),
		hostname: hostname,
		topic:    cfg.Topic,
		useJWT:   cfg.UseJWT,
		log:      log,
	}
	s.open.Store(true)
	return s
}

// IsOpen reports whether the session's pool is still accepting work.
func (s *Session) IsOpen() bool {
	return s.open.Load()
}

// Close atomically flips the open flag from true to false and destroys all
// pooled connections. Closing an already-closed session is a programmer
// error and aborts rather than being a silent no-op.
func (s *Session) Close() {
	if !s.open.CompareAndSwap(true, false) {
		panic("apnsession: session closed twice")
	}
	s.pool.DestroyAll()
	s.log.Info().Msg("session closed")
}

// Send acquires a pooled connection and a stream slot on it, builds the
// request headers, and dispatches body as the notification payload. jwt
// may be empty when the session uses certificate-based authentication.
func (s *Session) Send(ctx context.Context, token devicetoken.Token, pushType apntype.PushType, priority *apntype.Priority, jwt string, body []byte) result.ApnResult {
	if !s.IsOpen() {
		return result.ClientError(apnserrors.NewSessionClosedError())
	}

	ctx, cancel := context.WithTimeout(ctx, constants.OuterTimeout)
	defer cancel()

	var res result.ApnResult
	err := s.pool.WithConnection(ctx, func(conn *wire.Connection) error {
		headers := wire.BuildRequest(s.hostname, token, s.topic, pushType, priority, jwt)
		res = conn.SendNotification(ctx, token, headers, body)
		if res.Kind == result.KindIoError || res.Kind == result.KindClientError {
			return res.Err
		}
		return nil
	})
	if err != nil {
		// An IoError or ClientError from the send itself keeps its own
		// kind; only failures before the send are wrapped as ClientError.
		if res.Err == err {
			return res
		}
		return result.ClientError(err)
	}
	return res
}

// SendAlert sends an alert-type notification wrapping aps in the standard
// three-key JsonAps envelope.
func (s *Session) SendAlert(ctx context.Context, token devicetoken.Token, aps envelope.ApsMessage, priority *apntype.Priority, jwt string) result.ApnResult {
	body, err := json.Marshal(envelope.New(aps))
	if err != nil {
		return result.ClientError(apnserrors.NewValidationError("encoding alert payload: " + err.Error()))
	}
	return s.Send(ctx, token, apntype.Alert, priority, jwt, body)
}

// SendWidgetNotification marks content-changed true, applies the widget
// topic suffix (handled by BuildRequest), and by default omits
// apns-priority, since Widgets has no default priority.
func (s *Session) SendWidgetNotification(ctx context.Context, token devicetoken.Token, priority *apntype.Priority, jwt string) result.ApnResult {
	changed := true
	aps := envelope.ApsMessage{ContentChanged: &changed}
	body, err := json.Marshal(envelope.New(aps))
	if err != nil {
		return result.ClientError(apnserrors.NewValidationError("encoding widget payload: " + err.Error()))
	}
	return s.Send(ctx, token, apntype.Widgets, priority, jwt, body)
}

// SendSilentMessage sends the bare {"aps":{"content-available":1}} object
// as the wire body, not the three-key JsonAps envelope (there is no
// appspecificcontent or data key on a silent push).
func (s *Session) SendSilentMessage(ctx context.Context, token devicetoken.Token, jwt string) result.ApnResult {
	one := 1
	body, err := json.Marshal(struct {
		Aps envelope.ApsMessage `json:"aps"`
	}{envelope.ApsMessage{ContentAvailable: &one}})
	if err != nil {
		return result.ClientError(apnserrors.NewValidationError("encoding silent payload: " + err.Error()))
	}
	return s.Send(ctx, token, apntype.Background, nil, jwt, body)
}
