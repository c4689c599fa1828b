package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(middleware gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(middleware)
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := serve(HeadersMiddleware(), req)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("CSP should deny by default, got %q", csp)
	}
}

func TestCORSMiddleware_Wildcard(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard origins must not advertise credentials")
	}
}

func TestCORSMiddleware_ExplicitList(t *testing.T) {
	mw := CORSMiddleware([]string{"https://market.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://market.example.com")
	w := serve(mw, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "https://market.example.com" {
		t.Error("listed origin should be allowed")
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("explicit origin list should allow credentials")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = serve(mw, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be echoed")
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware(nil))
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}

func TestValidateEndpointURL(t *testing.T) {
	valid := []string{
		"https://hooks.example.com/escrow",
		"http://203.0.113.10:8080/notify",
	}
	for _, u := range valid {
		if err := ValidateEndpointURL(u); err != nil {
			t.Errorf("ValidateEndpointURL(%q) = %v, want nil", u, err)
		}
	}

	blocked := []string{
		"ftp://hooks.example.com/x",
		"https://localhost/hook",
		"https://127.0.0.1/hook",
		"https://10.0.0.5/hook",
		"https://192.168.1.1/hook",
		"https://169.254.169.254/latest/meta-data",
		"https://0.0.0.0/hook",
		"https://metadata.google.internal/computeMetadata",
		"not a url at all ://",
	}
	for _, u := range blocked {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
		}
	}
}
