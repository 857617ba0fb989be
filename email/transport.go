package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

const (
	defaultPort    = 25
	defaultSSLPort = 465
)

type state int

const (
	disconnected state = iota
	connected
)

type event int

const (
	connectOK event = iota
	connectFailed
	sendOK
	sendFailed
	closeOK
	closeFailed
)

// transitions is the whole session lifecycle. A successful send ends the
// session just like a successful close does, while a failed send or close
// leaves it open. Events missing from a row don't change the state.
var transitions = map[state]map[event]state{
	disconnected: {
		connectOK:     connected,
		connectFailed: disconnected,
	},
	connected: {
		// Connecting twice is the caller's mistake. The old session stays
		// in place if the new one can't be opened.
		connectOK:     connected,
		connectFailed: connected,
		sendOK:        disconnected,
		sendFailed:    connected,
		closeOK:       disconnected,
		closeFailed:   connected,
	},
}

// Transport owns one SMTP session at a time. It is not safe for concurrent
// use; use one Transport per goroutine.
type Transport struct {
	address    string
	port       int
	username   string
	password   string
	tls        bool
	ssl        bool
	skipVerify bool
	tlsConfig  *tls.Config
	localName  string
	logger     zerolog.Logger

	client *smtp.Client
	state  state
}

// Option configures a Transport.
type Option func(*Transport)

// WithPort sets the server port. Zero means the protocol default: 465 when
// SSL is on, 25 otherwise.
func WithPort(port int) Option {
	return func(t *Transport) { t.port = port }
}

// WithCredentials sets the AUTH username and password. Authentication is
// skipped unless both are non-empty.
func WithCredentials(username, password string) Option {
	return func(t *Transport) {
		t.username = username
		t.password = password
	}
}

// WithTLS turns the STARTTLS upgrade on or off. On by default.
func WithTLS(on bool) Option {
	return func(t *Transport) { t.tls = on }
}

// WithSSL makes the transport open an implicitly encrypted session instead
// of a plaintext one. Off by default. It doesn't switch STARTTLS off.
func WithSSL(on bool) Option {
	return func(t *Transport) { t.ssl = on }
}

// WithTLSConfig sets the TLS configuration used for both SSL and STARTTLS.
// ServerName defaults to the server address.
func WithTLSConfig(c *tls.Config) Option {
	return func(t *Transport) { t.tlsConfig = c }
}

// WithSkipCertVerification disables server certificate checks, e.g. for a
// relay with a self-signed certificate.
func WithSkipCertVerification(skip bool) Option {
	return func(t *Transport) { t.skipVerify = skip }
}

// WithLocalName sets the host name sent with EHLO.
func WithLocalName(name string) Option {
	return func(t *Transport) { t.localName = name }
}

// WithLogger sets the logger for connection and delivery diagnostics. The
// default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// NewTransport returns a disconnected Transport for the SMTP server at
// address (a host name or IP, without a port).
func NewTransport(address string, opts ...Option) *Transport {
	t := &Transport{
		address:   address,
		tls:       true,
		localName: "localhost",
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With().Str("smtpAddress", t.address).Logger()
	return t
}

// Address returns the server host name or IP.
func (t *Transport) Address() string { return t.address }

// Port returns the configured port, zero when the default is used.
func (t *Transport) Port() int { return t.port }

// Username returns the AUTH username.
func (t *Transport) Username() string { return t.username }

// Password returns the AUTH password.
func (t *Transport) Password() string { return t.password }

// TLS reports whether STARTTLS is used.
func (t *Transport) TLS() bool { return t.tls }

// SSL reports whether the session is encrypted from the start.
func (t *Transport) SSL() bool { return t.ssl }

// Connected reports whether the transport holds a live session.
func (t *Transport) Connected() bool { return t.state == connected }

func (t *Transport) fire(ev event) {
	if next, ok := transitions[t.state][ev]; ok {
		t.state = next
	}
}

func (t *Transport) hostPort() string {
	p := t.port
	if p == 0 {
		p = defaultPort
		if t.ssl {
			p = defaultSSLPort
		}
	}
	return net.JoinHostPort(t.address, strconv.Itoa(p))
}

func (t *Transport) clientTLSConfig() *tls.Config {
	var c *tls.Config
	if t.tlsConfig != nil {
		c = t.tlsConfig.Clone()
	} else {
		c = &tls.Config{}
	}
	if c.ServerName == "" {
		c.ServerName = t.address
	}
	if t.skipVerify {
		c.InsecureSkipVerify = true
	}
	return c
}

// Connect opens a session: dial (implicit TLS when SSL is set), EHLO,
// STARTTLS when TLS is set, then AUTH when credentials are present. Any
// failure is a *ConnectionError and leaves the transport disconnected.
//
// Calling Connect on a connected transport is not guarded against; check
// Connected first.
func (t *Transport) Connect() error {
	method := "plain"
	if t.ssl {
		method = "implicit TLS"
	}
	t.logger.Debug().
		Str("method", method).
		Str("hostPort", t.hostPort()).
		Msg("trying to connect")

	c, err := t.open()
	if err != nil {
		t.fire(connectFailed)
		t.logger.Error().Err(err).Msg("can't connect to the smtp server")
		return err
	}

	if t.client != nil {
		t.logger.Debug().Msg("replacing the open smtp session")
		t.client.Close()
	}
	t.client = c
	t.fire(connectOK)
	return nil
}

func (t *Transport) open() (*smtp.Client, error) {
	var (
		c   *smtp.Client
		err error
	)
	if t.ssl {
		c, err = smtp.DialTLS(t.hostPort(), t.clientTLSConfig())
	} else {
		c, err = smtp.Dial(t.hostPort())
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	if err := c.Hello(t.localName); err != nil {
		c.Close()
		return nil, &ConnectionError{Op: "hello", Err: err}
	}

	// go-smtp sends EHLO again once the upgrade is done.
	if t.tls {
		if err := c.StartTLS(t.clientTLSConfig()); err != nil {
			c.Close()
			return nil, &ConnectionError{Op: "starttls", Err: err}
		}
	}
	t.logger.Info().Msg("got smtp connection")

	if t.username != "" && t.password != "" {
		t.logger.Info().Str("username", t.username).Msg("logging in")
		if err := authenticate(c, t.username, t.password); err != nil {
			c.Close()
			return nil, &ConnectionError{Op: "auth", Err: err}
		}
	}
	return c, nil
}

// authenticate prefers PLAIN and falls back to LOGIN, depending on what the
// server advertises.
func authenticate(c *smtp.Client, username, password string) error {
	ok, params := c.Extension("AUTH")
	if !ok {
		return errors.New("the server doesn't support AUTH")
	}
	mechs := strings.Fields(strings.ToUpper(params))
	switch {
	case hasMechanism(mechs, sasl.Plain):
		return c.Auth(sasl.NewPlainClient("", username, password))
	case hasMechanism(mechs, sasl.Login):
		return c.Auth(sasl.NewLoginClient(username, password))
	}
	return fmt.Errorf("no supported AUTH mechanism among %q", params)
}

func hasMechanism(mechs []string, m string) bool {
	for _, v := range mechs {
		if v == m {
			return true
		}
	}
	return false
}

// Send builds a message from f and transmits it. It returns false when the
// transport isn't connected, when f is invalid, or when the server refuses
// the message. Details only go to the logger; use Deliver to get them.
//
// A successful send ends the session, so the transport is disconnected
// afterwards. A failed send leaves it connected.
func (t *Transport) Send(f Fields) bool {
	if err := t.Deliver(f); err != nil {
		t.logger.Error().Err(err).Msg("something went wrong sending the message")
		return false
	}
	return true
}

// Deliver is Send with the failure returned. The error is ErrNotConnected,
// a *ValidationError, an *AttachmentError or a *TransmissionError.
func (t *Transport) Deliver(f Fields) error {
	if t.state != connected {
		return ErrNotConnected
	}
	m, err := NewMessage(f)
	if err != nil {
		return err
	}
	return t.SendMessage(m)
}

// SendMessage transmits an already built message with the same session
// semantics as Send.
func (t *Transport) SendMessage(m *Message) error {
	if t.state != connected {
		return ErrNotConnected
	}

	rcpts := m.Recipients()
	log := t.logger.With().
		Str("sender", m.Sender()).
		Strs("recipients", rcpts).
		Logger()
	for _, a := range m.attachments {
		log.Debug().
			Str("filename", a.Filename).
			Str("size", units.HumanSize(float64(len(a.Data)))).
			Msg("attaching file")
	}

	if err := t.transmit(m.Sender(), rcpts, m); err != nil {
		// keep the session usable for another attempt
		if rerr := t.client.Reset(); rerr != nil {
			log.Debug().Err(rerr).Msg("can't reset the session after a failed send")
		}
		t.fire(sendFailed)
		return err
	}

	t.fire(sendOK)
	t.release()
	log.Debug().Msg("done")
	return nil
}

func (t *Transport) transmit(from string, rcpts []string, m *Message) error {
	if err := t.client.Mail(from, nil); err != nil {
		return &TransmissionError{Op: "mail", Err: err}
	}
	for _, r := range rcpts {
		if err := t.client.Rcpt(r); err != nil {
			return &TransmissionError{Op: "rcpt", Err: fmt.Errorf("%v: %w", r, err)}
		}
	}
	wc, err := t.client.Data()
	if err != nil {
		return &TransmissionError{Op: "data", Err: err}
	}
	if _, err := m.WriteTo(wc); err != nil {
		wc.Close()
		return &TransmissionError{Op: "data", Err: err}
	}
	if err := wc.Close(); err != nil {
		return &TransmissionError{Op: "data", Err: err}
	}
	return nil
}

// release drops the session after a successful send.
func (t *Transport) release() {
	c := t.client
	t.client = nil
	if err := c.Quit(); err != nil {
		t.logger.Debug().Err(err).Msg("can't quit the finished session, closing it")
		c.Close()
	}
}

// Disconnect ends the session. It returns true straight away when there is
// no session. On failure it logs the error, returns false and the transport
// stays connected.
func (t *Transport) Disconnect() bool {
	if err := t.Quit(); err != nil {
		t.logger.Error().Err(err).Msg("something went wrong disconnecting")
		return false
	}
	return true
}

// Quit is Disconnect with the failure returned.
func (t *Transport) Quit() error {
	if t.state != connected {
		return nil
	}
	if err := t.client.Quit(); err != nil {
		t.logger.Debug().Err(err).Msg("QUIT failed, closing the connection")
		if cerr := t.client.Close(); cerr != nil {
			t.fire(closeFailed)
			return fmt.Errorf("can't close the smtp session: %w", cerr)
		}
	}
	t.client = nil
	t.fire(closeOK)
	return nil
}
