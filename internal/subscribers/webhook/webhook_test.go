package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/analytics"
)

func testRecord(kind analytics.RecordKind) analytics.Record {
	return analytics.Record{
		Kind:      kind,
		SessionID: "s1",
		UserID:    "u1",
		At:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary:   &analytics.Summary{SessionID: "s1", StepsCompleted: 4},
	}
}

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotHeader string
		gotBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Token")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	rec := testRecord(analytics.KindSessionSummary)
	wantBody, err := json.Marshal(rec)
	require.NoError(t, err)

	sub := New("summary-hook", server.URL+"/analytics", zerolog.Nop(), WithHeader("X-Token", "t0k"))
	require.NoError(t, sub.Handle(context.Background(), rec))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/analytics", gotPath)
	assert.Equal(t, "t0k", gotHeader)
	assert.JSONEq(t, string(wantBody), string(gotBody))
	assert.Equal(t, "summary-hook", sub.Name())
}

func TestHandleNon2xxReturnsErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream failed"))
	}))
	defer server.Close()

	err := New("", server.URL, zerolog.Nop()).Handle(context.Background(), testRecord(analytics.KindResponse))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "500"))
	assert.True(t, strings.Contains(err.Error(), "upstream failed"))
}

func TestHandleSkipsFilteredKinds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	sub := New("", server.URL, zerolog.Nop(), WithKindFilter(func(k analytics.RecordKind) bool {
		return k == analytics.KindSessionSummary
	}))
	require.NoError(t, sub.Handle(context.Background(), testRecord(analytics.KindResponse)))
	require.NoError(t, sub.Handle(context.Background(), testRecord(analytics.KindSessionSummary)))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, "webhook", sub.Name())
}
