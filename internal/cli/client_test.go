package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"refengine/internal/queue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotIdem, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"queued":true,"event_id":"evt-9","kind":"commission"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", " secret-token-000001 ")
	out, err := c.SendEvent(context.Background(), queue.Trigger{
		EventID:     "evt-9",
		Kind:        queue.KindCommission,
		EarnerID:    "11111111-1111-1111-1111-111111111111",
		Amount:      decimal.RequireFromString("12.5"),
		EarningType: "trading",
	})
	require.NoError(t, err)
	require.True(t, out.Queued)
	require.Equal(t, queue.KindCommission, out.Kind)
	require.Equal(t, "Bearer secret-token-000001", gotAuth)
	require.Equal(t, "evt-9", gotIdem)
	require.Equal(t, "/v1/events", gotPath)
	require.Equal(t, "12.5", gotBody["earning_amount"])
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"earner_id must be a uuid"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t").Balance(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, IsAPIError(err))
	require.Contains(t, err.Error(), "earner_id must be a uuid")
	require.Contains(t, err.Error(), "400")
}

func TestClientTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	err := NewClient(base, "t").Health(context.Background())
	require.Error(t, err)
	require.False(t, IsAPIError(err))
}

func TestReplacePolicySendsRawDocument(t *testing.T) {
	var gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		_, _ = io.WriteString(w, `{"ok":true,"configured":true,"badges":2,"rates":3,"milestones":1}`)
	}))
	defer srv.Close()

	doc := "settings:\n  is_active: true\n"
	out, err := NewClient(srv.URL, "t").ReplacePolicy(context.Background(), []byte(doc))
	require.NoError(t, err)
	require.Equal(t, "application/yaml", gotType)
	require.Equal(t, doc, gotBody)
	require.Equal(t, 3, out.Rates)
}

func TestCredentialsRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, err := LoadCredentials()
	require.Error(t, err)

	require.NoError(t, SaveCredentials(Credentials{ServiceToken: "secret-token-000001", APIBaseURL: "http://api:8080"}))
	info, err := os.Stat(filepath.Join(home, ".refctl", "credentials.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c, err := LoadCredentials()
	require.NoError(t, err)
	require.Equal(t, "secret-token-000001", c.ServiceToken)
	require.Equal(t, "http://api:8080", c.APIBaseURL)
	require.False(t, c.SavedAt.IsZero())

	require.NoError(t, ClearCredentials())
	require.NoError(t, ClearCredentials())
	_, err = LoadCredentials()
	require.Error(t, err)
}
