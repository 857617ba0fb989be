// Package smtptest runs SMTP servers inside the test process so that tests
// can inspect exactly what a client put on the wire: the envelope sender,
// the envelope recipients and the message data.
package smtptest
