package email

// EasySender runs a whole connect/send/disconnect round-trip per message.
type EasySender struct {
	transport *Transport
}

// NewEasySender wraps a Transport for address. It defaults to an implicitly
// encrypted session without STARTTLS; opts can override either flag.
func NewEasySender(address string, opts ...Option) *EasySender {
	defaults := []Option{WithSSL(true), WithTLS(false)}
	return &EasySender{
		transport: NewTransport(address, append(defaults, opts...)...),
	}
}

// Transport exposes the wrapped transport, e.g. to inspect its settings.
func (s *EasySender) Transport() *Transport { return s.transport }

// Send connects, sends and disconnects, always in that order and whatever
// the outcome of each step. It always returns true: it reports that delivery
// was attempted, not that it worked. Failures are logged. Use Deliver to
// find out what happened.
func (s *EasySender) Send(f Fields) bool {
	_ = s.Deliver(f)
	return true
}

// Deliver runs the same sequence as Send and returns the first failure.
func (s *EasySender) Deliver(f Fields) error {
	t := s.transport
	connErr := t.Connect()
	sendErr := t.Deliver(f)
	if sendErr != nil {
		t.logger.Error().Err(sendErr).Msg("something went wrong sending the message")
	}
	quitErr := t.Quit()
	if quitErr != nil {
		t.logger.Error().Err(quitErr).Msg("something went wrong disconnecting")
	}

	switch {
	case connErr != nil:
		return connErr
	case sendErr != nil:
		return sendErr
	}
	return quitErr
}

// SendOnce is the one-call form of EasySender.Send.
func SendOnce(address string, f Fields, opts ...Option) bool {
	return NewEasySender(address, opts...).Send(f)
}
