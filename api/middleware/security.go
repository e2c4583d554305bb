package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payment-recovery/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by the middleware.
const (
	RawBodyKey        = "rawBody"
	SignatureValidKey = "signatureValid"
	OperatorKey       = "operator"
)

const maxBodyBytes = 1 << 20

type SecurityMiddleware struct {
	logger    *zap.Logger
	header    string
	secrets   [][]byte
	tolerance time.Duration
	opsHeader string
	opsKeys   map[string]string // operator -> apiKey
	now       func() time.Time
}

func NewSecurityMiddleware(logger *zap.Logger, cfg config.SecurityConfig) *SecurityMiddleware {
	secrets := make([][]byte, 0, len(cfg.SigningSecrets))
	for _, s := range cfg.SigningSecrets {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, []byte(s))
		}
	}
	return &SecurityMiddleware{
		logger:    logger,
		header:    cfg.SignatureHeader,
		secrets:   secrets,
		tolerance: cfg.SignatureTolerance,
		opsHeader: cfg.OpsKeyHeader,
		opsKeys:   cfg.OpsAPIKeys,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for the timestamp tolerance check.
func (m *SecurityMiddleware) WithClock(now func() time.Time) *SecurityMiddleware {
	m.now = now
	return m
}

// VerifySignature buffers the body and records whether the signature header
// matches it. It never aborts: the ingestion gate owns the rejection.
func (m *SecurityMiddleware) VerifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		valid := m.Verify(c.GetHeader(m.header), body)
		if !valid {
			m.logger.Warn("Webhook signature rejected", zap.String("ip", c.ClientIP()))
		}
		c.Set(RawBodyKey, body)
		c.Set(SignatureValidKey, valid)
		c.Next()
	}
}

// Verify checks a "t=<unix>,v1=<hex>" header against body. Any configured
// secret and any v1 value may match.
func (m *SecurityMiddleware) Verify(header string, body []byte) bool {
	if header == "" || len(m.secrets) == 0 {
		return false
	}
	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return false
	}
	if m.tolerance > 0 {
		skew := m.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > m.tolerance {
			return false
		}
	}
	for _, secret := range m.secrets {
		expected := mac(secret, ts, body)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return true
			}
		}
	}
	return false
}

// Sign returns a header value for body signed with secret at t.
func Sign(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac([]byte(secret), ts, body))
}

func mac(secret []byte, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// Authenticate admits operators presenting a configured API key.
func (m *SecurityMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(m.opsHeader)
		if apiKey == "" {
			m.logger.Warn("Missing API key", zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			c.Abort()
			return
		}

		operator := m.operatorFor(apiKey)
		if operator == "" {
			m.logger.Warn("Invalid API key", zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Set(OperatorKey, operator)
		c.Next()
	}
}

func (m *SecurityMiddleware) operatorFor(apiKey string) string {
	for operator, key := range m.opsKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return operator
		}
	}
	return ""
}

func (m *SecurityMiddleware) ValidatePayload() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Content-Type"), "application/json") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
			c.Abort()
			return
		}

		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Empty request body"})
			c.Abort()
			return
		}

		c.Next()
	}
}
