package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notifyhub/pkg/logx"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate(), "disabled is always valid")
	assert.NoError(t, Config{Enabled: true}.Validate())
	assert.NoError(t, Config{Enabled: true, Addr: "localhost:0"}.Validate())
	assert.ErrorIs(t, Config{Enabled: true, Addr: ":6060"}.Validate(), ErrInsecureBind)
	assert.ErrorIs(t, Config{Enabled: true, Addr: "10.0.0.5:6060"}.Validate(), ErrInsecureBind)
	assert.NoError(t, Config{Enabled: true, Addr: ":6060", Token: "t"}.Validate())
	assert.NoError(t, Config{Enabled: true, Addr: ":6060", AllowInsecure: true}.Validate())
	assert.Error(t, Config{Enabled: true, Addr: "nope"}.Validate())
}

func TestHandlerToken(t *testing.T) {
	h := Handler("sekret")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=sekret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	s.Start(t.Context())

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr().String() + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.False(t, s.Enabled())
	assert.Nil(t, s.Addr())
}
