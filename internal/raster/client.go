package raster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/viescolaire/procto/internal/models"
)

// HTTPClient talks to the raster sidecar (RASTER_URL). Rasterisation of a
// full A3 batch can run minutes, hence the long timeouts.
type HTTPClient struct {
	base string
	cl   *http.Client
}

func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		base: strings.TrimRight(base, "/"),
		cl:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPClient) RasterisePDF(ctx context.Context, pdf []byte) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rasterise", bytes.NewReader(pdf))
	if err != nil {
		return nil, &models.RasterError{Stage: "rasterise", Err: err}
	}
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := c.cl.Do(req)
	if err != nil {
		return nil, &models.RasterError{Stage: "rasterise", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &models.RasterError{
			Stage: "rasterise",
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return readPageParts(resp)
}

func (c *HTTPClient) Flatten(ctx context.Context, freq FlattenRequest) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	meta, err := json.Marshal(freq)
	if err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	}
	if fw, err := mw.CreateFormField("meta"); err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	} else if _, err := fw.Write(meta); err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	}
	for i, page := range freq.Pages {
		fw, err := mw.CreateFormFile("pages", fmt.Sprintf("p%03d.png", i))
		if err != nil {
			return nil, &models.RasterError{Stage: "flatten", Err: err}
		}
		if _, err := fw.Write(page); err != nil {
			return nil, &models.RasterError{Stage: "flatten", Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/flatten", &buf)
	if err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.cl.Do(req)
	if err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.RasterError{Stage: "flatten", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &models.RasterError{
			Stage: "flatten",
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

func readPageParts(resp *http.Response) ([][]byte, error) {
	mediaType := resp.Header.Get("Content-Type")
	idx := strings.Index(mediaType, "boundary=")
	if idx < 0 {
		return nil, &models.RasterError{Stage: "rasterise", Err: fmt.Errorf("unexpected content type %q", mediaType)}
	}
	mr := multipart.NewReader(resp.Body, strings.Trim(mediaType[idx+len("boundary="):], `"`))
	var pages [][]byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &models.RasterError{Stage: "rasterise", Err: err}
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, &models.RasterError{Stage: "rasterise", Err: err}
		}
		pages = append(pages, data)
	}
	return pages, nil
}
