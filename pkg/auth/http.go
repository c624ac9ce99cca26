package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
)

const transportHTTP = "http"

// Handler returns HTTP middleware authorizing requests for action. An
// empty action evaluates [DefaultAction].
//
// The JSON object body, if any, becomes the policy resource and is restored
// so the next handler can read it again. The body is read only after the
// token has been validated. The environment is the request
// method, client IP (from RemoteAddr), URL path and the caller's residency.
//
// Example:
//
//	r := chi.NewRouter()
//	r.With(mw.Handler("iam.keys.rotate")).Post("/keys/rotate", rotate)
func (m *Middleware) Handler(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := m.now()
			defer m.observeDuration(transportHTTP, start)
			ctx := r.Context()

			token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
			if token == "" {
				m.writeRejection(w, r, &Rejection{Status: http.StatusUnauthorized, Code: ErrMissingAuthorization})
				return
			}

			res, rej := m.Authorize(ctx, Request{
				Token:        token,
				Action:       action,
				Method:       r.Method,
				IP:           clientIP(r.RemoteAddr),
				Path:         r.URL.Path,
				LoadResource: func() map[string]any { return m.readResource(r) },
			})
			if rej != nil {
				m.writeRejection(w, r, rej)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithResult(ctx, res)))
		})
	}
}

// readResource decodes a JSON object body and puts the bytes back on the
// request. Anything else, including an oversized body, yields an empty
// resource.
func (m *Middleware) readResource(r *http.Request) map[string]any {
	resource := map[string]any{}
	if r.Body == nil || r.Body == http.NoBody {
		return resource
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, m.maxBody+1))
	if int64(len(buf)) > m.maxBody {
		r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
		return resource
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf))
	if err != nil || len(buf) == 0 {
		return resource
	}

	var obj map[string]any
	if json.Unmarshal(buf, &obj) == nil && obj != nil {
		return obj
	}
	return resource
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (m *Middleware) writeRejection(w http.ResponseWriter, r *http.Request, rej *Rejection) {
	m.reject(r.Context(), transportHTTP, rej)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	_ = json.NewEncoder(w).Encode(rej)
}

// clientIP strips the port from a RemoteAddr. Proxies that set
// X-Forwarded-For must be handled before this middleware, for example with
// chi's middleware.RealIP.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
