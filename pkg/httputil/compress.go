package httputil

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beamline/trove/pkg/observability"
)

// DefaultCompressionThreshold is the smallest response body, in bytes,
// that the compression middleware will attempt to encode.
const DefaultCompressionThreshold = 500

// compressibleTypes lists the content types worth attempting to
// compress. Text types are handled by prefix below.
var compressibleTypes = map[string]bool{
	"application/json":         true,
	"application/x-msgpack":    true,
	"application/octet-stream": true,
	"text/csv":                 true,
	"text/plain":               true,
	"text/html":                true,
}

func isCompressible(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if compressibleTypes[mt] {
		return true
	}
	return strings.HasPrefix(mt, "text/")
}

// bufferedWriter holds the whole response body so the middleware can
// decide after the handler returns whether encoding pays off.
type bufferedWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *bufferedWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

// acceptedEncoding picks the encoding to use from an Accept-Encoding
// header. gzip wins over deflate when both are acceptable.
func acceptedEncoding(header string) string {
	gzipOK, deflateOK := false, false
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.Contains(params, "q=0.000") || strings.TrimSpace(params) == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "gzip", "*":
			gzipOK = true
		case "deflate":
			deflateOK = true
		}
	}
	if gzipOK {
		return "gzip"
	}
	if deflateOK {
		return "deflate"
	}
	return ""
}

func encode(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	case "deflate":
		zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	return buf.Bytes(), nil
}

// CompressionMiddleware buffers the response and re-emits it
// gzip- or deflate-encoded when the client accepts it, the body is at
// least threshold bytes, the content type is compressible, and the
// encoded form is meaningfully smaller (at least a 10% saving).
// Responses that skip encoding for any of those reasons are sent as-is
// and counted in the metrics. The time spent and the achieved ratio
// are reported in a Server-Timing header.
func CompressionMiddleware(threshold int, metrics *observability.Metrics) Middleware {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := acceptedEncoding(r.Header.Get("Accept-Encoding"))
			if encoding == "" {
				next.ServeHTTP(w, r)
				return
			}

			bw := &bufferedWriter{ResponseWriter: w}
			next.ServeHTTP(bw, r)
			if bw.status == 0 {
				bw.status = http.StatusOK
			}

			body := bw.body.Bytes()
			header := w.Header()
			send := func(payload []byte) {
				header.Set("Content-Length", strconv.Itoa(len(payload)))
				w.WriteHeader(bw.status)
				w.Write(payload)
			}

			if len(body) < threshold ||
				header.Get("Content-Encoding") != "" ||
				!isCompressible(header.Get("Content-Type")) {
				send(body)
				return
			}

			start := time.Now()
			compressed, err := encode(encoding, body)
			elapsed := time.Since(start)

			// The encoded form must save at least 10% to be worth the
			// client-side decode; incompressible payloads go out raw.
			if err != nil || len(compressed)*10 >= len(body)*9 {
				if metrics != nil {
					metrics.CompressionSkips.Inc()
				}
				send(body)
				return
			}

			header.Set("Content-Encoding", encoding)
			header.Add("Vary", "Accept-Encoding")
			header.Set("Server-Timing", fmt.Sprintf(
				"compress;dur=%.1f;ratio=%.1f",
				float64(elapsed.Microseconds())/1000.0,
				float64(len(body))/float64(len(compressed)),
			))
			send(compressed)
		})
	}
}
