package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(v *SignatureVerifier, at time.Time, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/settlement-events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(TimestampHeader, strconv.FormatInt(at.Unix(), 10))
	req.Header.Set(SignatureHeader, v.Sign(at, []byte(body)))
	return req
}

func TestSignatureVerifier_Verify(t *testing.T) {
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	v := NewSignatureVerifier("s3cret")
	v.SetClock(func() time.Time { return now })
	body := []byte(`{"sequence":1}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	require.NoError(t, v.Verify(v.Sign(now, body), ts, body))

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		wantErr   string
	}{
		{"tampered body", v.Sign(now, body), ts, []byte(`{"sequence":2}`), "mismatch"},
		{"other secret", NewSignatureVerifier("other").Sign(now, body), ts, body, "mismatch"},
		{"missing scheme", strings.TrimPrefix(v.Sign(now, body), "sha256="), ts, body, "scheme"},
		{"not hex", "sha256=zz", ts, body, "malformed"},
		{"bad timestamp", v.Sign(now, body), "yesterday", body, "timestamp"},
		{"expired", v.Sign(now.Add(-10*time.Minute), body), strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10), body, "tolerance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.signature, tt.timestamp, tt.body)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSignatureMiddleware(t *testing.T) {
	e := echo.New()
	v := NewSignatureVerifier("s3cret")
	body := `{"returnRef":"R-1","code":"accepted","sequence":1}`

	var seen string
	handler := func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		seen = string(b)
		return c.NoContent(http.StatusOK)
	}

	t.Run("valid signature passes body through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(signedRequest(v, time.Now(), body), rec)

		require.NoError(t, v.Middleware()(handler)(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, body, seen)
	})

	t.Run("unsigned request rejected", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, v.Middleware()(handler)(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, seen)
	})
}
