package campaign

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) GraphQLConfig {
	return GraphQLConfig{
		URL:           url,
		AdminSecret:   "s3cret",
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func outcome() Outcome {
	return Outcome{
		CallID:        "c1",
		WidgetID:      77,
		ActivistName:  "Ana",
		ActivistEmail: "ana@example.org",
		ActivistPhone: "+5511999990000",
		TargetName:    "Deputada",
		TargetPhone:   "+5511988880000",
		Status:        "completed",
	}
}

func TestGraphQLSink_PostsMutation(t *testing.T) {
	var got graphQLRequest
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(adminSecretHeader)
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"data":{"create_widget_action":{"data":{}}}}`))
	}))
	defer srv.Close()

	s, err := NewGraphQLSink(testConfig(srv.URL), nil)
	require.NoError(t, err)
	require.NoError(t, s.CallFinished(context.Background(), outcome()))

	require.Equal(t, "s3cret", secret)
	require.Contains(t, got.Query, "create_widget_action")
	require.EqualValues(t, 77, got.Variables["widget_id"])

	input := got.Variables["input"].(map[string]any)
	fields := input["custom_fields"].(map[string]any)
	require.Equal(t, "completed", fields["status"])
	target := fields["target"].(map[string]any)
	require.Equal(t, "+5511988880000", target["phone"])

	activist := got.Variables["activist"].(map[string]any)
	require.Equal(t, "ana@example.org", activist["email"])
}

func TestGraphQLSink_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	s, err := NewGraphQLSink(testConfig(srv.URL), nil)
	require.NoError(t, err)
	require.NoError(t, s.CallFinished(context.Background(), outcome()))
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGraphQLSink_DoesNotRetryRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"errors":[{"message":"widget not found"}]}`))
	}))
	defer srv.Close()

	s, err := NewGraphQLSink(testConfig(srv.URL), nil)
	require.NoError(t, err)
	err = s.CallFinished(context.Background(), outcome())
	require.True(t, errors.Is(err, ErrRejected), "got %v", err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGraphQLSink_RequiresWidget(t *testing.T) {
	s, err := NewGraphQLSink(testConfig("http://127.0.0.1:1"), nil)
	require.NoError(t, err)
	o := outcome()
	o.WidgetID = 0
	require.ErrorIs(t, s.CallFinished(context.Background(), o), ErrNoWidget)
}

func TestNoopSink(t *testing.T) {
	require.NoError(t, NoopSink{}.CallFinished(context.Background(), outcome()))
}
