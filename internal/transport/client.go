// Package transport submits rendered messages to an SMTP relay using
// credentials supplied per session. One Send is one network round trip;
// retry policy belongs to the caller.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/openmailer/dispatch/internal/dkim"
	"github.com/openmailer/dispatch/internal/model"
)

// DeliveryError represents a submission error with type information.
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// Client submits messages to SMTP relays.
type Client struct {
	hostname string
	timeout  time.Duration
	signer   *dkim.Signer
	logger   *slog.Logger
}

// NewClient creates a new submission client. hostname is the EHLO name
// presented to the relay.
func NewClient(hostname string, timeout time.Duration, logger *slog.Logger) *Client {
	if hostname == "" {
		hostname = "localhost"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		hostname: hostname,
		timeout:  timeout,
		logger:   logger,
	}
}

// SetDKIMSigner enables DKIM signing of outgoing messages.
func (c *Client) SetDKIMSigner(signer *dkim.Signer) {
	c.signer = signer
}

// Send submits one message to the relay identified by cred. The
// returned error is always a *DeliveryError.
func (c *Client) Send(ctx context.Context, cred model.Credential, msg *Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("failed to build message: %v", err),
		}
	}

	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", c.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := c.connect(ctx, cred)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := c.authenticate(client, cred); err != nil {
		return categorizeError(err, "AUTH")
	}

	if err := client.Mail(cred.User, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", msg.To))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	c.logger.Debug("message submitted",
		"relay", cred.Addr(),
		"to", msg.To,
	)
	return nil
}

// Verify checks relay reachability and credentials without sending a
// message: dial, STARTTLS, EHLO, AUTH, QUIT.
func (c *Client) Verify(ctx context.Context, cred model.Credential) error {
	client, err := c.connect(ctx, cred)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := c.authenticate(client, cred); err != nil {
		return categorizeError(err, "AUTH")
	}

	client.Quit()
	return nil
}

// connect dials the relay and completes the TLS and EHLO handshake.
// Plaintext connections are upgraded with STARTTLS; relays that do not
// offer it are rejected rather than spoken to in the clear.
func (c *Client) connect(ctx context.Context, cred model.Credential) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: c.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", cred.Addr())
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", cred.Addr(), err),
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	var client *smtp.Client
	if cred.Secure {
		client = smtp.NewClient(tls.Client(conn, c.tlsConfig(cred.Host)))
	} else {
		// NewClientStartTLS runs EHLO before the upgrade and closes the
		// connection when the relay lacks the extension.
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig(cred.Host))
		if err != nil {
			return nil, categorizeError(err, "STARTTLS")
		}
	}

	if err := client.Hello(c.hostname); err != nil {
		client.Close()
		return nil, categorizeError(err, "EHLO")
	}

	return client, nil
}

func (c *Client) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
}

// authenticate performs SASL auth with the mechanism the relay offers,
// preferring PLAIN and falling back to LOGIN.
func (c *Client) authenticate(client *smtp.Client, cred model.Credential) error {
	if cred.User == "" || cred.Secret == "" {
		return nil
	}

	var auth sasl.Client
	if ok, mechs := client.Extension("AUTH"); ok && !strings.Contains(mechs, sasl.Plain) && strings.Contains(mechs, sasl.Login) {
		auth = sasl.NewLoginClient(cred.User, cred.Secret)
	} else {
		auth = sasl.NewPlainClient("", cred.User, cred.Secret)
	}

	return client.Auth(auth)
}

// categorizeError determines if an SMTP error is temporary or permanent.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Temporary(),
			Message:   msg,
		}
	}

	// Network-level failures are assumed temporary.
	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}
