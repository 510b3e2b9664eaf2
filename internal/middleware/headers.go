package middleware

import (
	"net/http"

	"github.com/astracat2022/edged/internal/config"
)

// HeaderPolicy applies the vhost's configured header overrides plus a
// baseline set of security headers, matching the teacher's pattern of
// setting defensive headers before the handler runs and letting
// explicit vhost config win on conflict (spec §4.C: response headers
// are applied last, after dispatch, so a backend can't suppress them).
type HeaderPolicy struct {
	baseline map[string]string
}

func NewHeaderPolicy() *HeaderPolicy {
	return &HeaderPolicy{baseline: map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "SAMEORIGIN",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}}
}

// ApplyRequestDefaults sets baseline headers early so a Forbidden/Gone
// short-circuit still carries them.
func (hp *HeaderPolicy) ApplyRequestDefaults(w http.ResponseWriter, vh *config.Server) {
	for k, v := range hp.baseline {
		w.Header().Set(k, v)
	}
}

// ApplyResponseOverrides re-applies the vhost's configured headers,
// forcing them over anything the backend set, after dispatch completes.
func (hp *HeaderPolicy) ApplyResponseOverrides(w http.ResponseWriter, vh *config.Server) {
	for k, v := range vh.Headers {
		w.Header().Set(k, v)
	}
}
