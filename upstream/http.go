package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Part is one field of a multipart form. File parts carry a FileName.
type Part struct {
	Name     string
	FileName string
	Value    string
	Data     []byte
}

func Field(name, value string) Part {
	return Part{Name: name, Value: value}
}

func File(name, fileName string, data []byte) Part {
	return Part{Name: name, FileName: fileName, Data: data}
}

type Request struct {
	Service string
	URL     string
	Header  http.Header
	Timeout time.Duration
}

// PostMultipart sends parts as multipart/form-data and returns the body of a
// 2xx response.
func PostMultipart(
	ctx context.Context,
	client *http.Client,
	r Request,
	parts ...Part,
) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range parts {
		if p.FileName != "" {
			fw, err := writer.CreateFormFile(p.Name, p.FileName)
			if err != nil {
				return nil, fmt.Errorf("error creating form file: %w", err)
			}
			if _, err := fw.Write(p.Data); err != nil {
				return nil, fmt.Errorf("error writing %s: %w", p.Name, err)
			}
			continue
		}
		if err := writer.WriteField(p.Name, p.Value); err != nil {
			return nil, fmt.Errorf("error writing field %s: %w", p.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("error closing multipart writer: %w", err)
	}

	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", writer.FormDataContentType())
	return send(ctx, client, r, header, body)
}

// PostJSON encodes payload as the request body and returns the body of a 2xx
// response.
func PostJSON(
	ctx context.Context,
	client *http.Client,
	r Request,
	payload any,
) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return send(ctx, client, r, header, bytes.NewReader(data))
}

func send(
	ctx context.Context,
	client *http.Client,
	r Request,
	header http.Header,
	body io.Reader,
) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header = header

	resp, err := client.Do(req)
	if err != nil {
		return nil, classify(r.Service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(r.Service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ServiceError(
			r.Service,
			resp.StatusCode,
			strings.TrimSpace(string(respBody)),
		)
	}

	return respBody, nil
}

func classify(service string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(service, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(service, err)
	}
	return &Error{Kind: KindService, Service: service, Msg: "request failed", Err: err}
}

// AudioFileName picks a file name whose extension matches the MIME type of
// the recorded chunk.
func AudioFileName(base, mimeType string) string {
	return base + audioExtension(mimeType)
}

func audioExtension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "audio/webm;codecs=opus", "audio/webm; codecs=opus", "audio/webm":
		return ".webm"
	case "audio/mp4":
		return ".mp4"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".webm"
	}
}
