package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/pkg/application"
)

type echoController struct{}

func (echoController) Key() string { return "/echo" }

func (echoController) Register(r *mux.Router) {
	r.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("payload ", 400)))
	}).Methods(http.MethodGet)
}

func TestHTTPServer_MiddlewareAppliesToNotFound(t *testing.T) {
	t.Parallel()

	app := application.New(&application.ApplicationOptions{})
	app.RegisterControllers(echoController{})
	app.RegisterMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Seen", "1")
			next.ServeHTTP(w, r)
		})
	})

	s := NewHTTPServer(app, http.NotFoundHandler(), nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "1", w.Header().Get("X-Seen"))
}

func TestHTTPServer_GzipHandler(t *testing.T) {
	t.Parallel()

	app := application.New(&application.ApplicationOptions{})
	app.RegisterControllers(echoController{})
	s := NewHTTPServer(app, http.NotFoundHandler(), nil)

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Contains(t, string(body), "payload")
}
