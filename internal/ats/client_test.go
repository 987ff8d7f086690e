package ats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFetchSendsBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		_, _ = w.Write([]byte(emptyDataSetXML))
	}))
	defer srv.Close()

	c := NewClient(time.Second, testLogger())
	body, err := c.FetchDataPoints(context.Background(), "integration-123", srv.URL, "ats-user", "secret")
	require.NoError(t, err)

	assert.True(t, gotOK)
	assert.Equal(t, "ats-user", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, emptyDataSetXML, string(body))
}

func TestClientFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(time.Second, testLogger())
	_, err := c.FetchTransmissions(context.Background(), "integration-123", srv.URL, "u", "p")

	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadGateway, status.StatusCode)
	assert.True(t, IsTransient(err))
}

func TestClientFetchNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	c := NewClient(time.Second, testLogger())
	_, err := c.FetchDataPoints(context.Background(), "integration-123", srv.URL, "u", "p")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&BadResponseError{Message: "protocol change"}))
	assert.True(t, IsTransient(&StatusError{StatusCode: 503}))
}
