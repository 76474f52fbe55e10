package httpkit

import (
	"net/http"
	"strconv"
	"strings"
)

type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

type cors struct {
	anyOrigin bool
	origins   map[string]struct{}
	headers   http.Header
}

// CORS answers preflight requests and decorates responses for allowed
// origins. "*" in AllowedOrigins allows every origin; the request origin is
// echoed back either way so credentials keep working.
func CORS(opt CORSOptions) func(http.Handler) http.Handler {
	if len(opt.AllowedMethods) == 0 {
		opt.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(opt.AllowedHeaders) == 0 {
		opt.AllowedHeaders = []string{"Content-Type", "Authorization", "Accept"}
	}
	if opt.MaxAgeSeconds == 0 {
		opt.MaxAgeSeconds = 600
	}

	c := &cors{origins: map[string]struct{}{}, headers: http.Header{}}
	for _, o := range opt.AllowedOrigins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			c.anyOrigin = true
		default:
			c.origins[o] = struct{}{}
		}
	}

	c.headers.Set("Access-Control-Allow-Methods", strings.Join(opt.AllowedMethods, ", "))
	c.headers.Set("Access-Control-Allow-Headers", strings.Join(opt.AllowedHeaders, ", "))
	c.headers.Set("Access-Control-Max-Age", strconv.Itoa(opt.MaxAgeSeconds))
	if len(opt.ExposedHeaders) > 0 {
		c.headers.Set("Access-Control-Expose-Headers", strings.Join(opt.ExposedHeaders, ", "))
	}
	if opt.AllowCredentials {
		c.headers.Set("Access-Control-Allow-Credentials", "true")
	}

	return c.wrap
}

func (c *cors) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if c.anyOrigin {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

func (c *cors) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")

		if c.allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			for k, v := range c.headers {
				w.Header()[k] = v
			}
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
