package email

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/ptgott/emaillib/smtptest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs an in-process SMTP server for the duration of the test.
func startServer(t *testing.T, opts smtptest.Options) *smtptest.InProcessServer {
	t.Helper()
	srv := smtptest.NewInProcessServer(opts)
	go func() {
		_ = srv.Start()
	}()
	t.Cleanup(srv.Close)
	return srv
}

// withTLSFiles fills in a fresh key and certificate.
func withTLSFiles(t *testing.T, opts smtptest.Options) smtptest.Options {
	t.Helper()
	k, c, err := smtptest.GenerateTLSFiles(t)
	require.NoError(t, err)
	opts.KeyPath = k
	opts.CertPath = c
	return opts
}

// closedPort returns a loopback port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

func TestTransportSettings(t *testing.T) {
	tr := NewTransport(
		"smtp.test.com",
		WithCredentials("hacker", "whatever"),
		WithSSL(false),
		WithTLS(true),
		WithPort(587),
	)

	assert.Equal(t, "smtp.test.com", tr.Address())
	assert.Equal(t, "hacker", tr.Username())
	assert.Equal(t, "whatever", tr.Password())
	assert.False(t, tr.SSL())
	assert.True(t, tr.TLS())
	assert.Equal(t, 587, tr.Port())
	assert.False(t, tr.Connected())
}

func TestTransportDefaults(t *testing.T) {
	tr := NewTransport("smtp.test.com")

	assert.True(t, tr.TLS())
	assert.False(t, tr.SSL())
	assert.Equal(t, 0, tr.Port())
	assert.Equal(t, "", tr.Username())
	assert.Equal(t, "smtp.test.com:25", tr.hostPort())

	ssl := NewTransport("smtp.test.com", WithSSL(true))
	assert.Equal(t, "smtp.test.com:465", ssl.hostPort())
}

func TestTransitions(t *testing.T) {
	testCases := []struct {
		description string
		from        state
		ev          event
		want        state
	}{
		{"connect from disconnected", disconnected, connectOK, connected},
		{"failed connect from disconnected", disconnected, connectFailed, disconnected},
		{"send ends the session", connected, sendOK, disconnected},
		{"failed send keeps the session", connected, sendFailed, connected},
		{"close", connected, closeOK, disconnected},
		{"failed close keeps the session", connected, closeFailed, connected},
		{"send while disconnected", disconnected, sendOK, disconnected},
		{"close while disconnected", disconnected, closeOK, disconnected},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			tr := NewTransport("smtp.test.com")
			tr.state = tc.from
			tr.fire(tc.ev)
			assert.Equal(t, tc.want, tr.state)
		})
	}
}

func TestSendNotConnected(t *testing.T) {
	var logs bytes.Buffer
	tr := NewTransport("smtp.test.com", WithLogger(zerolog.New(&logs)))

	assert.False(t, tr.Send(validFields()))
	assert.False(t, tr.Connected())
	assert.Contains(t, logs.String(), "not connected")

	// no validation happens without a session either
	assert.True(t, errors.Is(tr.Deliver(Fields{}), ErrNotConnected))

	m, err := NewMessage(validFields())
	require.NoError(t, err)
	assert.True(t, errors.Is(tr.SendMessage(m), ErrNotConnected))
}

func TestSendPlain(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false))

	require.NoError(t, tr.Connect())
	assert.True(t, tr.Connected())

	assert.True(t, tr.Send(validFields()))
	assert.False(t, tr.Connected(), "a successful send ends the session")
	assert.True(t, tr.Disconnect())

	envs := srv.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "test@valid.com", envs[0].From)
	assert.Equal(t, []string{
		"whatever@gmail.com",
		"somebody@gmail.com",
		"more@gmail.com",
		"andmore@gmail.com",
	}, envs[0].To)

	assert.NotContains(t, envs[0].Data, "more@gmail.com")
	pe, err := smtptest.ParseEmail(envs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "Τεστ test", pe.Subject)
	require.Len(t, pe.Parts, 1)
	assert.Equal(t, "This is a τεστ on utf8", string(pe.Parts[0].Body))
}

func TestTransportIsReusable(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false))

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Connect())
		require.NoError(t, tr.Deliver(validFields()))
		require.False(t, tr.Connected())
	}

	b, err := srv.RetrieveEmails(0)
	require.NoError(t, err)
	assert.Len(t, b, 3)
}

func TestSendStartTLSWithAuth(t *testing.T) {
	srv := startServer(t, withTLSFiles(t, smtptest.Options{RequireAuth: true}))
	tr := NewTransport(
		srv.Host(),
		WithPort(srv.Port()),
		WithTLS(true),
		WithSkipCertVerification(true),
		WithCredentials("myuser", "mypassword"),
	)

	require.NoError(t, tr.Connect())
	require.NoError(t, tr.Deliver(validFields()))

	assert.Len(t, srv.Envelopes(), 1)
	assert.Equal(t, []string{"myuser"}, srv.AuthenticatedUsers())
}

func TestSendImplicitTLS(t *testing.T) {
	srv := startServer(t, withTLSFiles(t, smtptest.Options{ImplicitTLS: true}))
	tr := NewTransport(
		srv.Host(),
		WithPort(srv.Port()),
		WithSSL(true),
		WithTLS(false),
		WithSkipCertVerification(true),
	)

	require.NoError(t, tr.Connect())
	require.NoError(t, tr.Deliver(validFields()))
	assert.Len(t, srv.Envelopes(), 1)
}

func TestConnectFailures(t *testing.T) {
	testCases := []struct {
		description string
		server      func(t *testing.T) (host string, port int)
		opts        []Option
		wantOp      string
	}{
		{
			description: "nothing listening",
			server: func(t *testing.T) (string, int) {
				return "127.0.0.1", closedPort(t)
			},
			opts:   []Option{WithTLS(false)},
			wantOp: "dial",
		},
		{
			description: "server without STARTTLS",
			server: func(t *testing.T) (string, int) {
				srv := startServer(t, smtptest.Options{})
				return srv.Host(), srv.Port()
			},
			opts:   []Option{WithTLS(true)},
			wantOp: "starttls",
		},
		{
			description: "SSL and TLS both set",
			server: func(t *testing.T) (string, int) {
				srv := startServer(t, withTLSFiles(t, smtptest.Options{ImplicitTLS: true}))
				return srv.Host(), srv.Port()
			},
			opts:   []Option{WithSSL(true), WithTLS(true), WithSkipCertVerification(true)},
			wantOp: "starttls",
		},
		{
			description: "AUTH not offered over plaintext",
			server: func(t *testing.T) (string, int) {
				srv := startServer(t, smtptest.Options{RequireAuth: true})
				return srv.Host(), srv.Port()
			},
			opts:   []Option{WithTLS(false), WithCredentials("myuser", "mypassword")},
			wantOp: "auth",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			host, port := tc.server(t)
			tr := NewTransport(host, append(tc.opts, WithPort(port))...)

			err := tr.Connect()
			var ce *ConnectionError
			require.True(t, errors.As(err, &ce), "expected a *ConnectionError but got %T: %v", err, err)
			assert.Equal(t, tc.wantOp, ce.Op)
			assert.False(t, tr.Connected())
			assert.False(t, tr.Send(validFields()))
		})
	}
}

func TestCredentialsNeedBoth(t *testing.T) {
	// AUTH would fail here, so a successful connect means it was skipped
	srv := startServer(t, smtptest.Options{})
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false), WithCredentials("myuser", ""))

	require.NoError(t, tr.Connect())
	assert.True(t, tr.Disconnect())
}

func TestSendRejectedRecipient(t *testing.T) {
	srv := startServer(t, smtptest.Options{RejectRecipients: []string{"more@gmail.com"}})
	var logs bytes.Buffer
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false), WithLogger(zerolog.New(&logs)))
	require.NoError(t, tr.Connect())

	assert.False(t, tr.Send(validFields()))
	assert.True(t, tr.Connected(), "a failed send leaves the session open")
	assert.Contains(t, logs.String(), "more@gmail.com")
	assert.Empty(t, srv.Envelopes())

	err := tr.Deliver(validFields())
	var te *TransmissionError
	require.True(t, errors.As(err, &te), "expected a *TransmissionError but got %T: %v", err, err)
	assert.Equal(t, "rcpt", te.Op)

	// the session is still usable once the bad recipient is gone
	f := validFields()
	f.Bcc = nil
	require.NoError(t, tr.Deliver(f))
	assert.False(t, tr.Connected())

	envs := srv.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, []string{"whatever@gmail.com", "somebody@gmail.com"}, envs[0].To)
}

func TestSendRequiresAuth(t *testing.T) {
	srv := startServer(t, smtptest.Options{RequireAuth: true})
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false))
	require.NoError(t, tr.Connect())

	err := tr.Deliver(validFields())
	var te *TransmissionError
	require.True(t, errors.As(err, &te), "expected a *TransmissionError but got %T: %v", err, err)
	assert.Equal(t, "mail", te.Op)
	assert.True(t, tr.Connected())

	assert.True(t, tr.Disconnect())
	assert.False(t, tr.Connected())
}

func TestSendInvalidFieldsWhileConnected(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false))
	require.NoError(t, tr.Connect())

	f := validFields()
	f.Sender = "a@@"
	assert.False(t, tr.Send(f))
	assert.True(t, tr.Connected())

	var ve *ValidationError
	assert.True(t, errors.As(tr.Deliver(f), &ve))

	assert.True(t, tr.Send(validFields()))
	assert.Len(t, srv.Envelopes(), 1)
}

func TestDisconnect(t *testing.T) {
	tr := NewTransport("smtp.test.com")
	assert.True(t, tr.Disconnect(), "disconnecting without a session is a no-op")

	srv := startServer(t, smtptest.Options{})
	tr = NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false))
	require.NoError(t, tr.Connect())

	assert.True(t, tr.Disconnect())
	assert.False(t, tr.Connected())
	assert.True(t, tr.Disconnect())
	assert.NoError(t, tr.Quit())
}

func TestDisconnectFailure(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	var logs bytes.Buffer
	tr := NewTransport(
		srv.Host(),
		WithPort(srv.Port()),
		WithTLS(false),
		WithLogger(zerolog.New(&logs)),
	)
	require.NoError(t, tr.Connect())

	// QUIT can't be written and the second close fails too
	require.NoError(t, tr.client.Close())

	assert.Error(t, tr.Quit())
	assert.True(t, tr.Connected())
	assert.False(t, tr.Disconnect())
	assert.True(t, tr.Connected())
	assert.Contains(t, logs.String(), "something went wrong disconnecting")
}

func TestReconnectReplacesSession(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	tr := NewTransport(srv.Host(), WithPort(srv.Port()), WithTLS(false))
	require.NoError(t, tr.Connect())
	old := tr.client

	require.NoError(t, tr.Connect())
	assert.NotSame(t, old, tr.client)
	assert.Error(t, old.Noop(), "the replaced session is closed")

	assert.True(t, tr.Send(validFields()))
	assert.Len(t, srv.Envelopes(), 1)
}

func TestSendMessageWithAttachment(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	var logs bytes.Buffer
	tr := NewTransport(
		srv.Host(),
		WithPort(srv.Port()),
		WithTLS(false),
		WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)),
	)
	require.NoError(t, tr.Connect())

	p := writeTempFile(t, "data.csv", bytes.Repeat([]byte("a,b,c\n"), 1000))
	f := validFields()
	f.Attachments = []string{p}
	m, err := NewMessage(f)
	require.NoError(t, err)
	require.NoError(t, tr.SendMessage(m))

	assert.Contains(t, logs.String(), "data.csv")
	assert.Contains(t, logs.String(), "6kB")

	envs := srv.Envelopes()
	require.Len(t, envs, 1)
	pe, err := smtptest.ParseEmail(envs[0].Data)
	require.NoError(t, err)
	require.Len(t, pe.Parts, 2)
	assert.Equal(t, "data.csv", pe.Parts[1].Filename)
	assert.Equal(t, bytes.Repeat([]byte("a,b,c\n"), 1000), pe.Parts[1].Body)
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}
