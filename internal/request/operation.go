package request

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// Operation is one logical HTTP call. It is fixed when the request is
// created and replayed on every attempt.
type Operation struct {
	Method string
	URL    string
	Header http.Header

	// Body is sent as is. Ignored when Parts is set.
	Body []byte

	// Parts makes the body multipart/form-data.
	Parts []Part
}

// Part is one multipart section.
type Part struct {
	Name        string
	FileName    string
	ContentType string
	Data        []byte
}

// Multipart reports whether the operation has a multipart body.
func (op *Operation) Multipart() bool {
	return len(op.Parts) > 0
}

// NewBody builds a fresh body for one attempt. A multipart body is encoded
// again each time since a read stream cannot be rewound.
func (op *Operation) NewBody() (body io.Reader, contentType string, size int64, err error) {
	if !op.Multipart() {
		if op.Body == nil {
			return http.NoBody, "", 0, nil
		}
		return bytes.NewReader(op.Body), "", int64(len(op.Body)), nil
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range op.Parts {
		header := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf(`form-data; name=%q`, p.Name)
		if p.FileName != "" {
			disposition += fmt.Sprintf(`; filename=%q`, p.FileName)
		}
		header.Set("Content-Disposition", disposition)
		if p.ContentType != "" {
			header.Set("Content-Type", p.ContentType)
		}
		pw, err := w.CreatePart(header)
		if err != nil {
			return nil, "", 0, fmt.Errorf("create part %s: %w", p.Name, err)
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", 0, fmt.Errorf("write part %s: %w", p.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", 0, fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), int64(buf.Len()), nil
}
