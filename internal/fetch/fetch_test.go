package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeExtractsLengthAndRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(NewTransport())
	res, err := Probe(context.Background(), client, srv.URL)
	require.NoError(t, err)
	require.True(t, res.SupportsRange)
	require.Equal(t, int64(1024), res.TotalBytes)
}

func TestProbeRejects404Immediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(NewTransport())
	_, err := Probe(context.Background(), client, srv.URL)
	require.Error(t, err)
}

func TestOpenSendsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 10-19/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	client := NewClient(NewTransport())
	resp, err := Open(context.Background(), client, srv.URL, &Range{Start: 10, End: 19})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "bytes=10-19", gotRange)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Len(t, body, 10)
}

func TestOpenOpenEndedRange(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	client := NewClient(NewTransport())
	resp, err := Open(context.Background(), client, srv.URL, &Range{Start: 40, End: -1})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "bytes=40-", gotRange)
}

func TestOpenRejectsLinkExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(NewTransport())
	_, err := Open(context.Background(), client, srv.URL, nil)
	require.ErrorIs(t, err, ErrLinkExpired)
}
