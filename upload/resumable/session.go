package resumable

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/objstore-io/go-uploadutils/upload/transport"
)

// session holds the server-side state of one resumable upload: the session
// URI allocated at creation and the number of bytes the server has durably
// confirmed.
type session struct {
	cfg    *Config
	client *transport.Client
	logger log.Logger

	uri    string
	offset int64
}

// create issues the session-initiating POST. Content type and length are
// stripped from the metadata body and sent as X-Upload-Content-* headers.
// On success the Location header becomes the session URI and the offset is
// reset to zero.
func (s *session) create(ctx context.Context) error {
	metadata := map[string]interface{}{}
	if s.cfg.ContentEncoding != "" {
		metadata["contentEncoding"] = s.cfg.ContentEncoding
	}
	if len(s.cfg.Metadata) > 0 {
		metadata["metadata"] = s.cfg.Metadata
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal object metadata: %w", err)
	}

	query := url.Values{}
	query.Set("uploadType", "resumable")
	query.Set("name", s.cfg.Object)
	if s.cfg.PredefinedACL != "" {
		query.Set("predefinedAcl", s.cfg.PredefinedACL)
	}
	if s.cfg.KMSKeyName != "" {
		query.Set("kmsKeyName", s.cfg.KMSKeyName)
	}
	// An explicit zero generation must be sent, it is not the same as unset.
	if s.cfg.Generation != nil {
		query.Set("ifGenerationMatch", strconv.FormatInt(*s.cfg.Generation, 10))
	}

	createURL := fmt.Sprintf("%s/b/%s/o?%s", s.cfg.BaseURL, url.PathEscape(s.cfg.Bucket), query.Encode())

	headers := map[string]string{
		"Content-Type": "application/json; charset=utf-8",
	}
	if s.cfg.ContentType != "" {
		headers["X-Upload-Content-Type"] = s.cfg.ContentType
	}
	if s.cfg.ContentLength > 0 {
		headers["X-Upload-Content-Length"] = strconv.FormatInt(s.cfg.ContentLength, 10)
	}
	addEncryptionHeaders(headers, s.cfg.EncryptionKey)

	s.logger.Debugf("Creating upload session for %s/%s", s.cfg.Bucket, s.cfg.Object)
	resp, err := s.client.Do(ctx, http.MethodPost, createURL, body, headers)
	if err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("create upload session: %w", transport.ErrorFromResponse(resp))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("create upload session: response has no Location header")
	}

	s.uri = location
	s.offset = 0
	s.logger.Debugf("Upload session created: %s", location)
	return nil
}

// probeOffset asks the server how many bytes it has received by sending a
// zero-length PUT with a wildcard Content-Range. A 308 with a Range header
// sets the confirmed offset; a missing Range header means the server has
// nothing. When the server reports the upload as already complete, the
// finished object metadata is returned instead.
func (s *session) probeOffset(ctx context.Context) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	total := "*"
	if s.cfg.ContentLength > 0 {
		total = strconv.FormatInt(s.cfg.ContentLength, 10)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%s", total))

	resp, err := s.client.DoOnce(req)
	if err != nil {
		return nil, fmt.Errorf("probe offset: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Printf(err.Error())
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		obj, err := decodeObject(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("probe offset: %w", err)
		}
		return obj, nil
	case resp.StatusCode == statusResumeIncomplete:
		offset, err := parseConfirmedOffset(resp.Header.Get("Range"))
		if err != nil {
			return nil, err
		}
		s.offset = offset
		s.logger.Debugf("Server confirmed %d bytes", offset)
		return nil, nil
	default:
		return nil, fmt.Errorf("probe offset: %w", transport.ErrorFromResponse(resp))
	}
}

// decodeObject parses the finished object metadata from a terminal success
// response. A success response without decodable metadata is a protocol
// violation.
func decodeObject(r io.Reader) (*Object, error) {
	var obj Object
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode object metadata: %w", err)
	}
	return &obj, nil
}

// parseConfirmedOffset converts a "Range: bytes=0-N" header into the number
// of confirmed bytes (N+1). A missing header means the server has nothing.
func parseConfirmedOffset(rangeHeader string) (int64, error) {
	if rangeHeader == "" {
		return 0, nil
	}
	idx := strings.LastIndex(rangeHeader, "-")
	if !strings.HasPrefix(rangeHeader, "bytes=0-") || idx < 0 {
		return 0, fmt.Errorf("malformed Range header in incomplete response: %q", rangeHeader)
	}
	lastByte, err := strconv.ParseInt(rangeHeader[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header in incomplete response: %q", rangeHeader)
	}
	return lastByte + 1, nil
}

// addEncryptionHeaders attaches the customer-supplied encryption key header
// triple used by both session creation and chunk requests.
func addEncryptionHeaders(headers map[string]string, key []byte) {
	if len(key) == 0 {
		return
	}
	keyHash := sha256.Sum256(key)
	headers["x-goog-encryption-algorithm"] = "AES256"
	headers["x-goog-encryption-key"] = base64.StdEncoding.EncodeToString(key)
	headers["x-goog-encryption-key-sha256"] = base64.StdEncoding.EncodeToString(keyHash[:])
}
