package smtptest

// Server contains state information for an SMTP server that a test talks to.
// The SMTP server should be able to return the payloads of messages sent to
// it during the test. The server is meant to start during a test and stop
// right after.
type Server interface {
	// Start runs the server and blocks until it's closed. Retry behavior
	// is left to the caller.
	Start() error

	// Close terminates the server and any resources it holds. While
	// this is designed not to return an error so it's easier to use with
	// defer, implementations should clean up as much as they can.
	Close()

	// RetrieveEmails returns the payloads of all email messages sent to the
	// server after time t in Unix epoch nanoseconds.
	RetrieveEmails(t int64) ([]string, error)

	// Address returns the host:port of the server.
	Address() string
}

var _ Server = (*InProcessServer)(nil)
