package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// Client uploads content to an IPFS node's HTTP API and mints ipfs:// URIs
// from the returned CIDs. Only the add path is used; consumers resolve the
// URIs through any public gateway.
type Client struct {
	endpoint string
	httpc    *http.Client
	logger   *zap.Logger
}

// NewClient creates a pinning client against the node API endpoint
// (e.g. http://localhost:5001).
func NewClient(endpoint string, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: 55 * time.Second},
		logger:   logger.Named("ipfs"),
	}
}

type addResponse struct {
	Hash string `json:"Hash"`
}

// UploadBytes pins raw bytes and returns the CID.
func (c *Client) UploadBytes(ctx context.Context, data []byte, contentType, name string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("creating multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/v0/add?pin=true", &buf)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", models.NewFailure(models.KindIPFSTransient, "ipfs.UploadBytes", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", classifyStatus("ipfs.UploadBytes", resp.StatusCode)
	}

	var parsed addResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", models.NewFailure(models.KindIPFSTransient, "ipfs.UploadBytes",
			fmt.Errorf("decoding add response: %w", err))
	}
	if parsed.Hash == "" {
		return "", models.NewFailure(models.KindIPFSTransient, "ipfs.UploadBytes",
			fmt.Errorf("add response carried no CID"))
	}

	c.logger.Debug("Pinned bytes to IPFS", zap.String("cid", parsed.Hash), zap.Int("size", len(data)))
	return parsed.Hash, nil
}

// UploadJSON marshals the value and pins it, returning the CID.
func (c *Client) UploadJSON(ctx context.Context, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling metadata: %w", err)
	}
	return c.UploadBytes(ctx, data, "application/json", "metadata.json")
}

// ToURI mints the canonical ipfs:// URI for a CID.
func ToURI(cid string) string {
	return "ipfs://" + cid
}

// classifyStatus maps a node API status to the failure taxonomy. Quota
// and payment rejections are not retryable; everything else on the server
// side is worth the retry budget.
func classifyStatus(op string, status int) *models.Failure {
	switch status {
	case http.StatusPaymentRequired, http.StatusTooManyRequests, http.StatusInsufficientStorage:
		return models.NewFailure(models.KindIPFSQuota, op, fmt.Errorf("HTTP %d", status))
	default:
		return models.NewFailure(models.KindIPFSTransient, op, fmt.Errorf("HTTP %d", status))
	}
}
