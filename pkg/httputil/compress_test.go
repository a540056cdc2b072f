package httputil

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/observability"
)

func compressedHandler(contentType string, body []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	})
}

func doCompressed(t *testing.T, handler http.Handler, acceptEncoding string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCompressionEncodesLargeJSON(t *testing.T) {
	body := []byte(strings.Repeat(`{"temperature": 21.5, "pressure": 101.3},`, 200))
	metrics := observability.NewMetrics()
	handler := CompressionMiddleware(500, metrics)(compressedHandler("application/json", body))

	rec := doCompressed(t, handler, "gzip, deflate")

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Header().Get("Server-Timing"), "compress;dur=")
	assert.Contains(t, rec.Header().Get("Vary"), "Accept-Encoding")
	assert.Less(t, rec.Body.Len(), len(body))

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	decoded, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestCompressionFallsBackToDeflate(t *testing.T) {
	body := []byte(strings.Repeat("repetitive payload ", 100))
	handler := CompressionMiddleware(500, nil)(compressedHandler("text/csv", body))

	rec := doCompressed(t, handler, "deflate")

	assert.Equal(t, "deflate", rec.Header().Get("Content-Encoding"))
	decoded, err := io.ReadAll(flate.NewReader(bytes.NewReader(rec.Body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestCompressionSkipsSmallBodies(t *testing.T) {
	body := []byte(`{"ok": true}`)
	handler := CompressionMiddleware(500, nil)(compressedHandler("application/json", body))

	rec := doCompressed(t, handler, "gzip")

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, body, rec.Body.Bytes())
}

func TestCompressionSkipsIncompressiblePayloads(t *testing.T) {
	// Random bytes do not compress; the ratio gate keeps them raw and
	// the skip is counted.
	body := make([]byte, 4096)
	_, err := rand.Read(body)
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	handler := CompressionMiddleware(500, metrics)(compressedHandler("application/octet-stream", body))

	rec := doCompressed(t, handler, "gzip")

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, body, rec.Body.Bytes())

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), "trove_compression_skipped_total 1")
}

func TestCompressionSkipsWithoutAcceptEncoding(t *testing.T) {
	body := []byte(strings.Repeat("a", 2048))
	handler := CompressionMiddleware(500, nil)(compressedHandler("text/plain", body))

	rec := doCompressed(t, handler, "")

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, body, rec.Body.Bytes())
}

func TestCompressionSkipsNonCompressibleContentType(t *testing.T) {
	body := []byte(strings.Repeat("a", 2048))
	handler := CompressionMiddleware(500, nil)(compressedHandler("image/png", body))

	rec := doCompressed(t, handler, "gzip")

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}

func TestCompressionPreservesStatusCode(t *testing.T) {
	body := []byte(strings.Repeat(`{"error": "nope"},`, 200))
	handler := CompressionMiddleware(500, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write(body)
	}))

	rec := doCompressed(t, handler, "gzip")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestAcceptedEncodingParsing(t *testing.T) {
	assert.Equal(t, "gzip", acceptedEncoding("gzip, deflate"))
	assert.Equal(t, "gzip", acceptedEncoding("deflate, gzip;q=0.8"))
	assert.Equal(t, "deflate", acceptedEncoding("deflate"))
	assert.Equal(t, "gzip", acceptedEncoding("*"))
	assert.Equal(t, "", acceptedEncoding("br"))
	assert.Equal(t, "", acceptedEncoding(""))
	assert.Equal(t, "deflate", acceptedEncoding("gzip;q=0, deflate"))
}
