package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is advertised on every request. Setting it by hand turns off
// the transport's transparent gzip handling, so readBody decodes all of them.
const acceptEncoding = "gzip, deflate, br, zstd"

// Response is the raw outcome of a successful logical request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// readBody reads resp.Body and undoes any Content-Encoding applied by the server.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if len(raw) == 0 {
		return raw, nil
	}
	body, err := decompress(encoding, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response body: %w", encoding, err)
	}
	return body, nil
}

func decompress(encoding string, raw []byte) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = reader.Close()
		}()
		return io.ReadAll(reader)
	case "deflate":
		// RFC 9110 deflate is zlib framed, some servers send a raw stream.
		if reader, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer func() {
				_ = reader.Close()
			}()
			return io.ReadAll(reader)
		}
		reader := flate.NewReader(bytes.NewReader(raw))
		defer func() {
			_ = reader.Close()
		}()
		return io.ReadAll(reader)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	case "zstd":
		decoder, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer decoder.Close()
		return io.ReadAll(decoder)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// decodeJSON decodes a successful response body into T. A 204, or an empty
// body when allowEmpty is set, yields the zero value. []byte and
// json.RawMessage targets receive the body unchanged.
func decodeJSON[T any](resp *Response, allowEmpty bool) (T, error) {
	var out T
	if allowEmpty && (resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(resp.Body)) == 0) {
		return out, nil
	}
	switch target := any(&out).(type) {
	case *[]byte:
		*target = append([]byte(nil), resp.Body...)
		return out, nil
	case *json.RawMessage:
		*target = append(json.RawMessage(nil), resp.Body...)
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		var zero T
		return zero, unknownError("response body could not be decoded", err)
	}
	return out, nil
}
