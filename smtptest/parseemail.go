package smtptest

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Part is one decoded MIME part of a received message.
type Part struct {
	ContentType string
	Params      map[string]string
	Disposition string
	Filename    string
	// Body with the transfer encoding already removed
	Body []byte
}

// ParsedEmail is a received message split into its top-level header and
// its parts.
type ParsedEmail struct {
	Header    mail.Header
	MediaType string
	Subject   string
	Parts     []Part
}

// ParseEmail reads raw message data, such as a string returned by
// RetrieveEmails, expecting a multipart message.
func ParseEmail(raw string) (*ParsedEmail, error) {
	e, err := message.Read(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("can't read the message: %v", err)
	}

	h := mail.Header{Header: e.Header}
	mt, _, err := h.ContentType()
	if err != nil {
		return nil, fmt.Errorf("can't parse the content type: %v", err)
	}
	subj, err := h.Subject()
	if err != nil {
		return nil, fmt.Errorf("can't decode the subject: %v", err)
	}

	pe := &ParsedEmail{
		Header:    h,
		MediaType: mt,
		Subject:   subj,
	}

	mr := e.MultipartReader()
	if mr == nil {
		return nil, fmt.Errorf("expected a multipart message but got %v", mt)
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("can't read the next part: %v", err)
		}

		ct, params, err := p.Header.ContentType()
		if err != nil {
			return nil, fmt.Errorf("can't parse a part's content type: %v", err)
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("can't read a part's body: %v", err)
		}

		part := Part{
			ContentType: ct,
			Params:      params,
			Body:        body,
		}
		if disp, dparams, err := p.Header.ContentDisposition(); err == nil {
			part.Disposition = disp
			part.Filename = dparams["filename"]
		}
		pe.Parts = append(pe.Parts, part)
	}

	return pe, nil
}
