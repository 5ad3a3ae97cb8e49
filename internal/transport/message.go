package transport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// xMailer identifies the sending software in outgoing messages.
const xMailer = "dispatch/1.0"

// Attachment is a fetched file carried by every message of a session.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is one rendered outgoing message. Bytes assembles it into an
// RFC 5322 document with the bulk-mail headers the relay expects.
type Message struct {
	FromName   string
	FromAddr   string
	To         string
	Subject    string
	Text       string
	HTML       string
	Attachment *Attachment
}

// Bytes builds the wire form of the message: headers, a
// multipart/alternative text+html body, and, when an attachment is
// present, a multipart/mixed wrapper around both.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	m.writeHeaders(&buf)

	if m.Attachment == nil {
		alt := multipart.NewWriter(&buf)
		fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", alt.Boundary())
		if err := m.writeBodyParts(alt); err != nil {
			return nil, err
		}
		if err := alt.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	// Inner alternative part is assembled first so its boundary is
	// known when the enclosing part header is written.
	var inner bytes.Buffer
	alt := multipart.NewWriter(&inner)
	if err := m.writeBodyParts(alt); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}

	altHeader := textproto.MIMEHeader{}
	altHeader.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary()))
	part, err := mixed.CreatePart(altHeader)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(inner.Bytes()); err != nil {
		return nil, err
	}

	attHeader := textproto.MIMEHeader{}
	contentType := m.Attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	attHeader.Set("Content-Type", fmt.Sprintf("%s; name=%q", contentType, m.Attachment.Filename))
	attHeader.Set("Content-Transfer-Encoding", "base64")
	attHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", m.Attachment.Filename))
	part, err = mixed.CreatePart(attHeader)
	if err != nil {
		return nil, err
	}
	if err := writeBase64(part, m.Attachment.Content); err != nil {
		return nil, err
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeHeaders(buf *bytes.Buffer) {
	from := mail.Address{Name: m.FromName, Address: m.FromAddr}
	fmt.Fprintf(buf, "From: %s\r\n", from.String())
	fmt.Fprintf(buf, "To: %s\r\n", m.To)
	fmt.Fprintf(buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(buf, "Message-ID: <%s@%s>\r\n", uuid.New().String(), domainOrDefault(m.FromAddr, "localhost"))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(buf, "X-Mailer: %s\r\n", xMailer)
	buf.WriteString("Precedence: bulk\r\n")
	buf.WriteString("X-Priority: 3\r\n")
}

func (m *Message) writeBodyParts(w *multipart.Writer) error {
	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(textHeader)
	if err != nil {
		return err
	}
	if err := writeQuotedPrintable(part, m.Text); err != nil {
		return err
	}

	htmlHeader := textproto.MIMEHeader{}
	htmlHeader.Set("Content-Type", "text/html; charset=utf-8")
	htmlHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err = w.CreatePart(htmlHeader)
	if err != nil {
		return err
	}
	return writeQuotedPrintable(part, m.HTML)
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// writeBase64 encodes data with RFC 2045 line wrapping.
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[:n]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

// domainOrDefault extracts the domain part of an email address, falling
// back to def for malformed input.
func domainOrDefault(email, def string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return def
	}
	return strings.ToLower(email[at+1:])
}
