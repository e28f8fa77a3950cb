package www

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestHandlePanics(t *testing.T) {
	log := logs.NewTestingLog(t)
	router := httprouter.New()
	Handle(log, router, "GET", "/bad", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		PanicBadRequestf("missing %v", "thing")
	})
	Handle(log, router, "GET", "/err", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		Check(errors.New("boom"))
	})
	Handle(log, router, "POST", "/echo", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Write(ReadLimited(w, r, 8))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/bad", nil))
	require.Equal(t, 400, rec.Code)
	require.Equal(t, "missing thing", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/err", nil))
	require.Equal(t, 500, rec.Code)
	require.Equal(t, "boom", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`)))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, `{"a":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1,"b":2}`)))
	require.Equal(t, 400, rec.Code)
}

func TestRateLimited(t *testing.T) {
	router := httprouter.New()
	handle := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		SendOK(w)
	}
	router.Handle("GET", "/limited", RateLimited(handle, 2, time.Minute))
	codes := []int{}
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/limited", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("hello"))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer ts.Close()

	b, err := Fetch(context.Background(), nil, ts.URL+"/ok", 100)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	_, err = Fetch(context.Background(), nil, ts.URL+"/ok", 3)
	require.Error(t, err)

	_, err = Fetch(context.Background(), nil, ts.URL+"/missing", 100)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Fetch(ctx, nil, ts.URL+"/ok", 100)
	require.ErrorIs(t, err, context.Canceled)
}
