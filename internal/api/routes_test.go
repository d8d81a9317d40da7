package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, r http.Handler, method, path, body string) (int, Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestRoutes(t *testing.T) {
	f := newFixture()
	f.store.Put(document.Record{"doctype": doctype.Item, "name": "WIDGET", "item_code": "WIDGET"})
	r := NewRouter(f.svc)

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		code    int
		success bool
	}{
		{"settings", http.MethodGet, "/api/settings", "", http.StatusOK, true},
		{"pending docs", http.MethodGet, "/api/pending-docs?instance=books-1", "", http.StatusOK, true},
		{"pending docs unknown instance", http.MethodGet, "/api/pending-docs?instance=nope", "", http.StatusOK, false},
		{"master sync", http.MethodPost, "/api/master-sync",
			`{"instance":"books-1","records":[{"referenceType":"Item","documentName":"WIDGET"}]}`, http.StatusOK, true},
		{"transactions", http.MethodPost, "/api/transactions",
			`{"instance":"books-1","transaction_type":"SalesInvoice","records":[{"doctype":"SalesInvoice","name":"SINV-1"}]}`, http.StatusOK, true},
		{"transactions malformed", http.MethodPost, "/api/transactions", `{"instance":`, http.StatusBadRequest, false},
		{"transactions missing type", http.MethodPost, "/api/transactions", `{"instance":"books-1","records":[]}`, http.StatusBadRequest, false},
		{"status", http.MethodPost, "/api/status",
			`{"instance":"books-1","data":{"doctype":"Item","nameInERPNext":"WIDGET","nameInFBooks":"widget-b"}}`, http.StatusOK, true},
		{"register", http.MethodPost, "/api/instances", `{"name":"books-2"}`, http.StatusOK, true},
		{"register without name", http.MethodPost, "/api/instances", `{}`, http.StatusBadRequest, false},
		{"disable instance", http.MethodPatch, "/api/instances/books-2", `{"enabled":false}`, http.StatusOK, true},
		{"disable unknown instance", http.MethodPatch, "/api/instances/nope", `{"enabled":false}`, http.StatusOK, false},
		{"switch without state", http.MethodPatch, "/api/instances/books-2", `{}`, http.StatusBadRequest, false},
		{"update settings", http.MethodPut, "/api/settings",
			`{"enable_sync":true,"doctypes":{"Item":{"enabled":true,"sync_type":"Two Way"}}}`, http.StatusOK, true},
		{"update settings invalid", http.MethodPut, "/api/settings",
			`{"doctypes":{"Item":{"enabled":true,"sync_type":"Sideways"}}}`, http.StatusOK, false},
		{"drain status", http.MethodGet, "/api/drain", "", http.StatusOK, true},
		{"start drain", http.MethodPost, "/api/drain", "", http.StatusOK, true},
		{"errors", http.MethodGet, "/api/errors?instance=books-1", "", http.StatusOK, true},
		{"retry bad id", http.MethodPost, "/api/errors/not-a-uuid/retry", "", http.StatusBadRequest, false},
		{"retry unknown", http.MethodPost, "/api/errors/" + uuid.NewString() + "/retry", "", http.StatusOK, false},
		{"save", http.MethodPut, "/api/documents", `{"doctype":"Sales Invoice","name":"SINV-9","customer":"ACME"}`, http.StatusOK, true},
		{"submit", http.MethodPost, "/api/documents/Sales%20Invoice/SINV-9/submit", "", http.StatusOK, true},
		{"cancel", http.MethodPost, "/api/documents/Sales%20Invoice/SINV-9/cancel", "", http.StatusOK, true},
		{"cancel twice", http.MethodPost, "/api/documents/Sales%20Invoice/SINV-9/cancel", "", http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.success, env.Success, env.Message)
			if !env.Success {
				assert.NotEmpty(t, env.Message)
			}
		})
	}
	assert.Equal(t, 2, f.triggers)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture()
	r := NewRouter(f.svc)

	req := httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader("{}"))
	req.ContentLength = MaxBodyBytes + 1
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHealthz(t *testing.T) {
	r := NewRouter(newFixture().svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
