package multipart

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/objstore-io/go-uploadutils/upload/transport"
)

// XMLAPI drives a multipart session over the XML wire protocol:
// POST ?uploads initiates, PUT ?partNumber=N&uploadId=... feeds parts,
// POST ?uploadId=... with the part manifest completes, DELETE aborts.
type XMLAPI struct {
	client  *transport.Client
	baseURL string
	bucket  string
	logger  log.Logger

	mu      sync.Mutex
	objects map[string]string
}

// NewXMLAPI ...
func NewXMLAPI(client *transport.Client, baseURL, bucket string, logger log.Logger) *XMLAPI {
	return &XMLAPI{
		client:  client,
		baseURL: baseURL,
		bucket:  bucket,
		logger:  logger,
		objects: map[string]string{},
	}
}

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completeRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []completePart `xml:"Part"`
}

type completePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// InitiateUpload creates a multipart session and returns its upload ID.
func (a *XMLAPI) InitiateUpload(ctx context.Context, object string) (string, error) {
	initiateURL := fmt.Sprintf("%s/%s/%s?uploads", a.baseURL, url.PathEscape(a.bucket), url.PathEscape(object))

	resp, err := a.client.Do(ctx, http.MethodPost, initiateURL, nil, nil)
	if err != nil {
		return "", err
	}
	defer a.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", transport.ErrorFromResponse(resp)
	}

	var result initiateResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("initiate response has no upload ID")
	}

	a.mu.Lock()
	a.objects[result.UploadID] = url.PathEscape(object)
	a.mu.Unlock()

	return result.UploadID, nil
}

// UploadPart transmits one part body and returns the ETag reported by the
// server. Parts are numbered from 1.
func (a *XMLAPI) UploadPart(ctx context.Context, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	partURL := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", a.objectURL(uploadID), partNumber, url.QueryEscape(uploadID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, partURL, body)
	if err != nil {
		return "", fmt.Errorf("create part request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Length", strconv.FormatInt(size, 10))

	resp, err := a.client.DoOnce(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer a.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", transport.ErrorFromResponse(resp)
	}

	return resp.Header.Get("ETag"), nil
}

// CompleteUpload assembles the session's parts in order.
func (a *XMLAPI) CompleteUpload(ctx context.Context, uploadID string, etags []string) error {
	manifest := completeRequest{}
	for i, etag := range etags {
		manifest.Parts = append(manifest.Parts, completePart{PartNumber: i + 1, ETag: etag})
	}
	body, err := xml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal complete request: %w", err)
	}

	completeURL := fmt.Sprintf("%s?uploadId=%s", a.objectURL(uploadID), url.QueryEscape(uploadID))
	headers := map[string]string{"Content-Type": "application/xml"}

	resp, err := a.client.Do(ctx, http.MethodPost, completeURL, body, headers)
	if err != nil {
		return err
	}
	defer a.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return transport.ErrorFromResponse(resp)
	}
	return nil
}

// AbortUpload discards the session and any uploaded parts.
func (a *XMLAPI) AbortUpload(ctx context.Context, uploadID string) error {
	abortURL := fmt.Sprintf("%s?uploadId=%s", a.objectURL(uploadID), url.QueryEscape(uploadID))

	resp, err := a.client.Do(ctx, http.MethodDelete, abortURL, nil, nil)
	if err != nil {
		return err
	}
	defer a.closeBody(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return transport.ErrorFromResponse(resp)
	}
	return nil
}

// objectURL rebuilds the object path recorded at initiate for part and
// finalize requests.
func (a *XMLAPI) objectURL(uploadID string) string {
	a.mu.Lock()
	object := a.objects[uploadID]
	a.mu.Unlock()
	return fmt.Sprintf("%s/%s/%s", a.baseURL, url.PathEscape(a.bucket), object)
}

func (a *XMLAPI) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		a.logger.Printf(err.Error())
	}
}
