package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// responseRecorder buffers the handler's response so the chain can
// apply compression and populate the cache after the backend finishes,
// mirroring the teacher's buffered-response pattern from its proxy
// wrapper but generalized to carry header/status capture for both the
// Cache and Compressor stages.
type responseRecorder struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
	wroteHead  bool
	encoding   string
	minSize    int
}

func (rr *responseRecorder) Header() http.Header { return rr.ResponseWriter.Header() }

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.wroteHead = true
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	return rr.body.Write(b)
}

func (rr *responseRecorder) StatusOrDefault() int {
	if rr.statusCode == 0 {
		return http.StatusOK
	}
	return rr.statusCode
}

// Flush finalizes compression negotiation and writes the buffered body
// through the underlying ResponseWriter exactly once.
func (rr *responseRecorder) Flush() {
	body := rr.body.Bytes()
	status := rr.StatusOrDefault()

	if rr.encoding != "" && len(body) >= rr.minSize && !alreadyEncoded(rr.Header()) {
		var buf bytes.Buffer
		var w io.WriteCloser
		switch rr.encoding {
		case "zstd":
			zw, err := zstd.NewWriter(&buf)
			if err == nil {
				w = zw
			}
		case "br":
			w = brotli.NewWriter(&buf)
		case "gzip":
			w = gzip.NewWriter(&buf)
		}
		if w != nil {
			if _, err := w.Write(body); err == nil {
				if err := w.Close(); err == nil {
					body = buf.Bytes()
					rr.Header().Set("Content-Encoding", rr.encoding)
					rr.Header().Del("Content-Length")
				}
			}
		}
	}
	rr.Header().Add("Vary", "Accept-Encoding")
	rr.Header().Set("Content-Length", strconv.Itoa(len(body)))
	rr.ResponseWriter.WriteHeader(status)
	_, _ = rr.ResponseWriter.Write(body)
}

func alreadyEncoded(h http.Header) bool {
	return h.Get("Content-Encoding") != ""
}

// Compressor negotiates response compression per spec §4.C: preference
// order zstd > brotli > gzip > identity, weighted by the client's
// Accept-Encoding q-values, skipping paths whose extension is on the
// DenyExt list and bodies under MinSize.
type Compressor struct {
	MinSize int
	DenyExt map[string]bool
}

func NewCompressor() *Compressor {
	return &Compressor{MinSize: 256, DenyExt: map[string]bool{".jpg": true, ".png": true, ".gif": true, ".webp": true, ".zip": true, ".gz": true, ".br": true}}
}

func (c *Compressor) Wrap(w http.ResponseWriter, r *http.Request) *responseRecorder {
	enc := ""
	if !c.denied(r.URL.Path) {
		enc = negotiate(r.Header.Get("Accept-Encoding"))
	}
	return &responseRecorder{ResponseWriter: w, encoding: enc, minSize: c.MinSize}
}

func (c *Compressor) denied(path string) bool {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return c.DenyExt[strings.ToLower(path[i:])]
	}
	return false
}

type qEncoding struct {
	name string
	q    float64
}

var preference = map[string]int{"zstd": 3, "br": 2, "gzip": 1}

func negotiate(header string) string {
	if header == "" {
		return ""
	}
	var candidates []qEncoding
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, q := part, 1.0
		if i := strings.Index(part, ";"); i >= 0 {
			name = strings.TrimSpace(part[:i])
			qs := strings.TrimSpace(part[i+1:])
			if strings.HasPrefix(qs, "q=") {
				if v, err := strconv.ParseFloat(qs[2:], 64); err == nil {
					q = v
				}
			}
		}
		if _, ok := preference[name]; ok && q > 0 {
			candidates = append(candidates, qEncoding{name, q})
		}
	}
	best := ""
	bestScore := -1.0
	for _, c := range candidates {
		score := c.q*1000 + float64(preference[c.name])
		if score > bestScore {
			bestScore = score
			best = c.name
		}
	}
	return best
}
