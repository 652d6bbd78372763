// Package session はブラウザセッションの識別と CSRF 対策を提供します。
//
// セッションごとに1つのタスクライフサイクルを割り当てるため、
// ログインは不要で、最初のリクエストで匿名のセッションを発行します。
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	CookieName           = "dispix_session"
	sessionKeyID         = "session_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	// CSRFHeader は CSRF トークンをやり取りするヘッダー名です。
	CSRFHeader = "X-CSRF-Token"
)

// ContextIDKey は、ハンドラー間でセッション ID を共有するためのキーです。
const ContextIDKey = "session.id"

const contextCSRFKey = "session.csrf"

// Manager はセッションの発行と検証を行います。
type Manager struct {
	idleTimeout time.Duration
	maxLifetime time.Duration
	now         func() time.Time
}

// NewManager は Manager を作成します。
func NewManager(idleTimeout, maxLifetime time.Duration) *Manager {
	return &Manager{
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
		now:         time.Now,
	}
}

// MaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func (m *Manager) MaxAgeSeconds() int {
	return int(m.maxLifetime.Seconds())
}

// Ensure はセッションを検証し、無効または期限切れの場合は新しく発行するミドルウェアです。
func (m *Manager) Ensure() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		now := m.now()

		id, _ := session.Get(sessionKeyID).(string)
		token, _ := session.Get(sessionKeyCSRF).(string)
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		expired := issuedAt.IsZero() || now.Sub(issuedAt) > m.maxLifetime ||
			lastActive.IsZero() || now.Sub(lastActive) > m.idleTimeout
		if id == "" || token == "" || expired {
			newToken, err := generateToken()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "TOKEN_GENERATION_FAILED",
					"message": "CSRF トークンの生成に失敗しました",
				})
				return
			}
			session.Clear()
			id = uuid.NewString()
			token = newToken
			session.Set(sessionKeyID, id)
			session.Set(sessionKeyCSRF, token)
			session.Set(sessionKeyIssuedAt, now.Unix())
			c.Header(CSRFHeader, token)
		}
		session.Set(sessionKeyLastActive, now.Unix())

		if err := session.Save(); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "SESSION_SAVE_FAILED",
				"message": "セッションの保存に失敗しました",
			})
			return
		}

		c.Set(ContextIDKey, id)
		c.Set(contextCSRFKey, token)
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。Ensure の後に登録します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		expected := c.GetString(contextCSRFKey)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// Describe は /api/session のハンドラーです。CSRF トークンをヘッダーで返します。
func (m *Manager) Describe(c *gin.Context) {
	c.Header(CSRFHeader, c.GetString(contextCSRFKey))
	c.JSON(http.StatusOK, gin.H{
		"idleTimeoutSeconds": int(m.idleTimeout.Seconds()),
		"maxAgeSeconds":      m.MaxAgeSeconds(),
	})
}

// ID は Ensure が設定したセッション ID を返します。
func ID(c *gin.Context) string {
	return c.GetString(ContextIDKey)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
