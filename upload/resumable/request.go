package resumable

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// statusResumeIncomplete is the protocol's "partial receipt, continue"
// status. It shares the code of http.StatusPermanentRedirect but has
// resumable-upload semantics.
const statusResumeIncomplete = 308

// chunkRequest is one bounded byte range to transmit.
type chunkRequest struct {
	// offset is the stream position of the first byte in data.
	offset int64
	// data is the request body pulled from the queue.
	data []byte
	// final marks the terminal chunk: the producer has finished and the
	// queue is drained by this request.
	final bool
}

// putChunk transmits one chunk against the session URI and returns the raw
// response. Status acceptance and classification happen in the upload loop.
func (s *session) putChunk(ctx context.Context, cr chunkRequest) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.uri, bytes.NewReader(cr.data))
	if err != nil {
		return nil, fmt.Errorf("create chunk request: %w", err)
	}

	req.ContentLength = int64(len(cr.data))
	req.Header.Set("Content-Range", s.contentRange(cr))

	headers := map[string]string{}
	addEncryptionHeaders(headers, s.cfg.EncryptionKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.DoOnce(req)
	if err != nil {
		return nil, fmt.Errorf("put chunk at offset %d: %w", cr.offset, err)
	}
	return resp, nil
}

// contentRange renders the Content-Range header for one chunk:
// "bytes {offset}-{endByte}/{total}". The end byte is "*" when the chunk
// carries no data, and the total is "*" until the stream length is known.
func (s *session) contentRange(cr chunkRequest) string {
	total := "*"
	switch {
	case s.cfg.ContentLength > 0:
		total = strconv.FormatInt(s.cfg.ContentLength, 10)
	case cr.final:
		total = strconv.FormatInt(cr.offset+int64(len(cr.data)), 10)
	}

	if len(cr.data) == 0 {
		if cr.offset == 0 {
			return fmt.Sprintf("bytes 0-*/%s", total)
		}
		return fmt.Sprintf("bytes */%s", total)
	}

	end := cr.offset + int64(len(cr.data)) - 1
	return fmt.Sprintf("bytes %d-%d/%s", cr.offset, end, total)
}

// accepted reports whether the chunk response status is non-error: only
// 200-299 and 308 qualify.
func accepted(statusCode int) bool {
	return (statusCode >= 200 && statusCode < 300) || statusCode == statusResumeIncomplete
}
