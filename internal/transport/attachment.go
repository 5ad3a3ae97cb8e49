package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxAttachmentBytes caps fetched attachments. Relays commonly reject
// messages above 25 MiB, so larger files would fail every send anyway.
const maxAttachmentBytes = 25 << 20

// FetchAttachment downloads the file referenced by url. It is called
// once per session; the result is reused for every message.
func FetchAttachment(ctx context.Context, url, filename string) (*Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment url: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch attachment: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     data,
	}, nil
}
