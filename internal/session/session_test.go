package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := cookie.NewStore([]byte("0123456789abcdef0123456789abcdef"))
	r.Use(sessions.Sessions(CookieName, store), m.Ensure())
	r.GET("/api/session", m.Describe)
	r.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, ID(c)) })
	r.POST("/mutate", m.VerifyCSRF(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func do(r http.Handler, method, path string, cookies []*http.Cookie, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEnsureIssuesStableSession(t *testing.T) {
	r := newRouter(NewManager(30*time.Minute, 12*time.Hour))

	first := do(r, http.MethodGet, "/api/session", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	token := first.Header().Get(CSRFHeader)
	assert.Len(t, token, 64)
	cookies := first.Result().Cookies()
	require.NotEmpty(t, cookies)

	a := do(r, http.MethodGet, "/whoami", cookies, nil)
	b := do(r, http.MethodGet, "/whoami", cookies, nil)
	assert.NotEmpty(t, a.Body.String())
	assert.Equal(t, a.Body.String(), b.Body.String())
	assert.Empty(t, a.Header().Get(CSRFHeader), "token is only announced when issued")

	other := do(r, http.MethodGet, "/whoami", nil, nil)
	assert.NotEqual(t, a.Body.String(), other.Body.String())
}

func TestVerifyCSRF(t *testing.T) {
	r := newRouter(NewManager(30*time.Minute, 12*time.Hour))
	first := do(r, http.MethodGet, "/api/session", nil, nil)
	token := first.Header().Get(CSRFHeader)
	cookies := first.Result().Cookies()

	missing := do(r, http.MethodPost, "/mutate", cookies, nil)
	assert.Equal(t, http.StatusForbidden, missing.Code)
	assert.Contains(t, missing.Body.String(), "CSRF_INVALID")

	ok := do(r, http.MethodPost, "/mutate", cookies, http.Header{CSRFHeader: {token}})
	assert.Equal(t, http.StatusNoContent, ok.Code)

	wrong := do(r, http.MethodPost, "/mutate", cookies, http.Header{CSRFHeader: {"nope"}})
	assert.Equal(t, http.StatusForbidden, wrong.Code)
}

func TestEnsureRotatesIdleSession(t *testing.T) {
	m := NewManager(time.Minute, time.Hour)
	now := time.Now()
	m.now = func() time.Time { return now }
	r := newRouter(m)

	first := do(r, http.MethodGet, "/whoami", nil, nil)
	cookies := first.Result().Cookies()

	now = now.Add(2 * time.Minute)
	second := do(r, http.MethodGet, "/whoami", cookies, nil)
	assert.NotEqual(t, first.Body.String(), second.Body.String())
	assert.NotEmpty(t, second.Header().Get(CSRFHeader))
}

func TestReadUnix(t *testing.T) {
	assert.Equal(t, int64(5), readUnix(int64(5)).Unix())
	assert.Equal(t, int64(5), readUnix(5).Unix())
	assert.Equal(t, int64(5), readUnix(float64(5)).Unix())
	assert.True(t, readUnix("x").IsZero())
}
