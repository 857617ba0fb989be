// Package email is responsible for building MIME-formatted email messages and
// sending them to an SMTP relay, including connecting to the server,
// negotiating TLS and authentication. Message construction validates every
// address up front, so a *Message that exists is always ready to send.
//
// The Transport keeps the session lifecycle visible to callers
// (Connect, Send, Disconnect). EasySender and SendOnce hide it for
// fire-and-forget use.
package email
