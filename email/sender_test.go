package email

import (
	"errors"
	"testing"

	"github.com/ptgott/emaillib/smtptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEasySenderDefaults(t *testing.T) {
	s := NewEasySender("smtp.test.com")
	assert.True(t, s.Transport().SSL())
	assert.False(t, s.Transport().TLS())

	s = NewEasySender("smtp.test.com", WithSSL(false), WithTLS(true), WithPort(587))
	assert.False(t, s.Transport().SSL())
	assert.True(t, s.Transport().TLS())
	assert.Equal(t, 587, s.Transport().Port())
}

func TestEasySenderDelivers(t *testing.T) {
	srv := startServer(t, withTLSFiles(t, smtptest.Options{ImplicitTLS: true}))
	s := NewEasySender(srv.Host(), WithPort(srv.Port()), WithSkipCertVerification(true))

	assert.True(t, s.Send(validFields()))
	assert.False(t, s.Transport().Connected())

	envs := srv.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "test@valid.com", envs[0].From)
	assert.Len(t, envs[0].To, 4)
}

func TestEasySenderAlwaysReportsSuccess(t *testing.T) {
	testCases := []struct {
		description string
		port        func(t *testing.T) int
		fields      Fields
		wantErr     func(error) bool
	}{
		{
			description: "server unreachable",
			port:        closedPort,
			fields:      validFields(),
			wantErr: func(err error) bool {
				var ce *ConnectionError
				return errors.As(err, &ce)
			},
		},
		{
			description: "invalid message",
			port: func(t *testing.T) int {
				return startServer(t, smtptest.Options{}).Port()
			},
			fields: Fields{Sender: "a@@", To: []string{"you@example.com"}},
			wantErr: func(err error) bool {
				var ve *ValidationError
				return errors.As(err, &ve)
			},
		},
		{
			description: "recipient refused",
			port: func(t *testing.T) int {
				return startServer(t, smtptest.Options{RejectRecipients: []string{"whatever@gmail.com"}}).Port()
			},
			fields: validFields(),
			wantErr: func(err error) bool {
				var te *TransmissionError
				return errors.As(err, &te)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			port := tc.port(t)
			opts := []Option{WithPort(port), WithSSL(false)}

			assert.True(t, SendOnce("127.0.0.1", tc.fields, opts...))

			s := NewEasySender("127.0.0.1", opts...)
			assert.True(t, s.Send(tc.fields))
			assert.False(t, s.Transport().Connected(), "the wrapper always disconnects")

			err := s.Deliver(tc.fields)
			assert.True(t, tc.wantErr(err), "unexpected error %T: %v", err, err)
			assert.False(t, s.Transport().Connected())
		})
	}
}
