package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"scalping-engine/config"
)

func middlewareRouter(s *Server, mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/probe", mw, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	return r
}

func probe(t *testing.T, r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	s := &Server{authCfg: config.AuthConfig{Enabled: false}}
	r := middlewareRouter(s, s.authMiddleware())

	w := probe(t, r, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, `"user_id":"dev"`) {
		t.Errorf("body = %s, want anonymous dev identity", body)
	}
}

func TestAuthMiddlewareMissingBearer(t *testing.T) {
	s := &Server{
		authCfg: config.AuthConfig{Enabled: true},
		jwt:     NewJWTManager("test-secret", 15*time.Minute),
	}
	r := middlewareRouter(s, s.authMiddleware())

	if w := probe(t, r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", w.Code)
	}
	if w := probe(t, r, map[string]string{"Authorization": "Basic abc"}); w.Code != http.StatusUnauthorized {
		t.Errorf("basic auth: status = %d, want 401", w.Code)
	}
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	jwt := NewJWTManager("test-secret", 15*time.Minute)
	s := &Server{authCfg: config.AuthConfig{Enabled: true}, jwt: jwt}
	r := middlewareRouter(s, s.authMiddleware())

	token, err := jwt.GenerateAccessToken(OperatorClaims{UserID: "op-1", Role: "operator"})
	if err != nil {
		t.Fatal(err)
	}

	w := probe(t, r, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, `"user_id":"op-1"`) {
		t.Errorf("body = %s, want op-1 identity", body)
	}
}

func TestAuthMiddlewareInvalidToken(t *testing.T) {
	s := &Server{
		authCfg: config.AuthConfig{Enabled: true},
		jwt:     NewJWTManager("test-secret", 15*time.Minute),
	}
	r := middlewareRouter(s, s.authMiddleware())

	w := probe(t, r, map[string]string{"Authorization": "Bearer not.a.token"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestIngestKeyMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("detector-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cfg      config.AuthConfig
		key      string
		wantCode int
	}{
		{
			name:     "no hash with auth enabled refuses ingest",
			cfg:      config.AuthConfig{Enabled: true},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "no hash with auth disabled passes",
			cfg:      config.AuthConfig{Enabled: false},
			wantCode: http.StatusOK,
		},
		{
			name:     "missing key",
			cfg:      config.AuthConfig{Enabled: true, IngestKeyHash: string(hash)},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong key",
			cfg:      config.AuthConfig{Enabled: true, IngestKeyHash: string(hash)},
			key:      "wrong-key",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "matching key",
			cfg:      config.AuthConfig{Enabled: true, IngestKeyHash: string(hash)},
			key:      "detector-key",
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{authCfg: tt.cfg}
			r := middlewareRouter(s, s.ingestKeyMiddleware())

			headers := map[string]string{}
			if tt.key != "" {
				headers["X-API-Key"] = tt.key
			}
			if w := probe(t, r, headers); w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := &Server{rateLimiter: NewRateLimiter(2, time.Minute)}
	r := middlewareRouter(s, s.rateLimitMiddleware())

	for i := 0; i < 2; i++ {
		if w := probe(t, r, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}
	if w := probe(t, r, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}
