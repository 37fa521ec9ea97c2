package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

type formField struct {
	name  string
	value string
}

type formFile struct {
	field       string
	filename    string
	contentType string
	content     io.Reader
}

// Form is a multipart/form-data payload for Upload. Parts are written in the
// order they were added.
type Form struct {
	fields []formField
	files  []formFile
}

// NewForm returns an empty form.
func NewForm() *Form {
	return &Form{}
}

// AddField appends a text field.
func (f *Form) AddField(name, value string) *Form {
	f.fields = append(f.fields, formField{name: name, value: value})
	return f
}

// AddFile appends a file part read from content when the form is encoded.
// An empty contentType is sent as application/octet-stream.
func (f *Form) AddFile(field, filename, contentType string, content io.Reader) *Form {
	f.files = append(f.files, formFile{field: field, filename: filename, contentType: contentType, content: content})
	return f
}

// AddFileBytes appends a file part holding data.
func (f *Form) AddFileBytes(field, filename, contentType string, data []byte) *Form {
	return f.AddFile(field, filename, contentType, bytes.NewReader(data))
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encode renders the form once. The returned content type carries the
// boundary chosen by the multipart writer.
func (f *Form) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, field := range f.fields {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", field.name, err)
		}
	}
	for _, file := range f.files {
		contentType := file.contentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(file.field), quoteEscaper.Replace(file.filename)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", file.field, err)
		}
		if file.content != nil {
			if _, err = io.Copy(part, file.content); err != nil {
				return nil, "", fmt.Errorf("write file %s: %w", file.filename, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Upload posts form to endpoint as multipart/form-data and decodes the JSON
// response into T. It shares the retry, backoff and refresh behavior of
// Request but uses the upload timeout, reports UPLOAD_FAILED as its fallback
// code and always decodes the response body.
func Upload[T any](ctx context.Context, c *Client, endpoint string, form *Form, requiresAuth bool) (T, error) {
	var zero T
	if form == nil {
		form = NewForm()
	}
	body, contentType, err := form.encode()
	if err != nil {
		return zero, unknownError("failed to encode upload form", err)
	}
	s, _ := c.snapshot()
	resp, err := c.execute(ctx, &call{
		method:       http.MethodPost,
		endpoint:     normalizeEndpoint(endpoint),
		body:         body,
		contentType:  contentType,
		timeout:      s.uploadTimeout,
		requiresAuth: requiresAuth,
		fallbackCode: CodeUploadFailed,
	})
	if err != nil {
		return zero, err
	}
	return decodeJSON[T](resp, false)
}
