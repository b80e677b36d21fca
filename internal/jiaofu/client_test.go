package jiaofu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, allowed string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /llm/test", func(w http.ResponseWriter, r *http.Request) {
		user, _ := url.QueryUnescape(r.Header.Get("Authorization"))
		if user != allowed {
			_, _ = io.WriteString(w, `{"text":"无权访问"}`)
			return
		}
		_, _ = io.WriteString(w, `{"error":"ok"}`)
	})
	mux.HandleFunc("POST /llm/ocr", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["image_data"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"image_data is required"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "识别结果 $x^2$"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckAvailable(t *testing.T) {
	srv := newServer(t, "张三")

	ok, err := NewClient(srv.URL, "张三").CheckAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewClient(srv.URL, "李四").CheckAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckAvailableWithoutUser(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1", "").CheckAvailable(context.Background())
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestOCR(t *testing.T) {
	srv := newServer(t, "张三")
	c := NewClient(srv.URL+"/", "张三")

	text, err := c.OCR(context.Background(), "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "识别结果 $x^2$", text)

	_, err = c.OCR(context.Background(), "")
	assert.ErrorContains(t, err, "image_data is required")
}

func TestDefaultHost(t *testing.T) {
	c := NewClient("", "u")
	assert.Equal(t, DefaultHost, c.Host())
	assert.Equal(t, "u", c.UserName())
}
