package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// doubtful we'll get an email this big, but we need a limit
const maxEmailSize int64 = 100 * units.MiB

// Envelope is one message as the server received it.
type Envelope struct {
	From string
	To   []string
	Data string

	created time.Time
}

// Options configures an InProcessServer. The zero value is a plaintext
// server that accepts anonymous senders.
type Options struct {
	// PEM files for the server certificate. Without them the server
	// can't do TLS at all.
	KeyPath  string
	CertPath string
	// ImplicitTLS makes the listener speak TLS from the first byte instead
	// of offering STARTTLS.
	ImplicitTLS bool
	// RequireAuth rejects MAIL FROM until the client has authenticated.
	RequireAuth bool
	// AllowInsecureAuth offers AUTH over plaintext connections.
	AllowInsecureAuth bool
	// RejectRecipients lists addresses that RCPT TO refuses with a 550.
	RejectRecipients []string
}

// Backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	requireAuth bool
}

// Login implements smtp.Backend. Any username/password is fine, since we
// don't want to couple this with specific test configurations.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username != "" && password != "" {
		return &session{store: be.InMemoryEmailStore, username: username}, nil
	}
	return nil, errors.New("no username or password provided")
}

// AnonymousLogin implements smtp.Backend. Refused when the server requires
// AUTH.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if be.requireAuth {
		return nil, smtp.ErrAuthUnsupported
	}
	return &session{store: be.InMemoryEmailStore}, nil
}

// session implements smtp.Session and tracks the envelope of the
// transaction in progress.
type session struct {
	store    *InMemoryEmailStore
	username string
	from     string
	to       []string
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	if s.store.rejects(to) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "no such user here",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data stores the message in memory for retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	s.store.saveEmail(Envelope{
		From: s.from,
		To:   append([]string{}, s.to...),
		Data: string(buf),
	}, s.username)
	return nil
}

// InMemoryEmailStore retains received messages in memory for comparison
// against a test's expected output. Goroutine safe, since every connection
// gets its own goroutine on the server.
type InMemoryEmailStore struct {
	mu        *sync.Mutex
	messages  []Envelope
	logins    []string
	rejectSet map[string]struct{}
}

func (es *InMemoryEmailStore) rejects(to string) bool {
	_, ok := es.rejectSet[strings.ToLower(to)]
	return ok
}

// saveEmail stores the envelope along with a timestamp created just prior to
// saving
func (es *InMemoryEmailStore) saveEmail(e Envelope, username string) {
	es.mu.Lock()
	defer es.mu.Unlock()

	e.created = time.Now()
	es.messages = append(es.messages, e)
	if username != "" {
		es.logins = append(es.logins, username)
	}
}

// RetrieveEmails returns the data of every message received after epoch
// nanoseconds t. Satisfies Server but isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.Data)
		}
	}
	return r, nil
}

// Envelopes returns every message received so far, oldest first.
func (es *InMemoryEmailStore) Envelopes() []Envelope {
	es.mu.Lock()
	defer es.mu.Unlock()

	return append([]Envelope{}, es.messages...)
}

// AuthenticatedUsers returns the username behind each stored message that
// arrived over an authenticated session.
func (es *InMemoryEmailStore) AuthenticatedUsers() []string {
	es.mu.Lock()
	defer es.mu.Unlock()

	return append([]string{}, es.logins...)
}

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer
type InProcessServer struct {
	*smtp.Server
	// The store backs every session of the *smtp.Server. Embedding it
	// here gives tests the retrieval methods directly.
	*InMemoryEmailStore

	listener net.Listener
}

// NewInProcessServer creates an InProcessServer listening on a random
// loopback port, with its SMTP server configured to store incoming messages
// in memory. Panics if the listener or the TLS material can't be set up,
// since a test can't carry on without them.
func NewInProcessServer(opts Options) *InProcessServer {
	is := &InMemoryEmailStore{
		mu:        &sync.Mutex{},
		messages:  []Envelope{},
		rejectSet: map[string]struct{}{},
	}
	for _, r := range opts.RejectRecipients {
		is.rejectSet[strings.ToLower(r)] = struct{}{}
	}

	srv := smtp.NewServer(&Backend{
		InMemoryEmailStore: is,
		requireAuth:        opts.RequireAuth,
	})

	srv.Domain = "localhost"
	srv.AllowInsecureAuth = opts.AllowInsecureAuth
	srv.AuthDisabled = false
	srv.MaxMessageBytes = int(maxEmailSize)
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	// Strict is undocumented, but it looks like it enforces <address> syntax
	// in messages:
	// https://github.com/emersion/go-smtp/blob/f92bf7f1a25777bcdaa28a142b1cd1a54b74c8f4/conn.go#L321-L325
	srv.Strict = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	if opts.CertPath != "" || opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			l.Close()
			panic(err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	if opts.ImplicitTLS {
		if srv.TLSConfig == nil {
			l.Close()
			panic("smtptest: implicit TLS needs a key and a certificate")
		}
		l = tls.NewListener(l, srv.TLSConfig)
	}

	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		listener:           l,
	}
}

// Start serves connections until Close is called. Blocking.
func (is *InProcessServer) Start() error {
	return is.Server.Serve(is.listener)
}

// Close shuts down the test server. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
	is.listener.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.listener.Addr().String()
}

// Host returns the host part of Address.
func (is *InProcessServer) Host() string {
	h, _, _ := net.SplitHostPort(is.Address())
	return h
}

// Port returns the port part of Address.
func (is *InProcessServer) Port() int {
	_, p, _ := net.SplitHostPort(is.Address())
	n, _ := strconv.Atoi(p)
	return n
}
