package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransferrer uploads clips with a single PUT to a presigned URL.
type HTTPTransferrer struct {
	Client *http.Client
}

// NewHTTPTransferrer returns a transferrer with a per-request timeout.
func NewHTTPTransferrer(timeout time.Duration) *HTTPTransferrer {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPTransferrer{Client: &http.Client{Timeout: timeout}}
}

// Transfer PUTs data to url. Any non-2xx response is an error.
func (t *HTTPTransferrer) Transfer(ctx context.Context, url string, data []byte, mimeType string, progress func(sent, total int64)) error {
	total := int64(len(data))
	var body io.Reader = bytes.NewReader(data)
	if progress != nil {
		body = &progressReader{r: body, total: total, fn: progress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	req.ContentLength = total
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
