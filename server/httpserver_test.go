package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHttpServerWithoutMaster(t *testing.T) {
	// a coordinator-only node runs no master stack, every cluster state
	// endpoint has to refuse instead of panicking
	h := NewHttpServer(&Server{})
	router := h.newHandler()

	for _, tc := range []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/state", ""},
		{http.MethodGet, "/roles/list", ""},
		{http.MethodPost, "/roles/add", `{"name":"arthur","is_user":true}`},
		{http.MethodPost, "/roles/drop", `{"name":"arthur"}`},
		{http.MethodPost, "/roles/privileges", `{"role_names":["arthur"]}`},
		{http.MethodPost, "/privileges/transfer", `{"old_ident":"doc.t1","new_ident":"doc.t2"}`},
		{http.MethodPost, "/privileges/drop", `{"ident":"doc.t1"}`},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		if tc.body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}
