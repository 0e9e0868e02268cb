package votesettled

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"votesettle/services/votesettled/wallet"
	"votesettle/storage"
)

const (
	testHMACSecret = "voter-secret"
	testAdminToken = "admin-token"
	testVoter      = "0x2222222222222222222222222222222222222222"
)

type apiHarness struct {
	server  *httptest.Server
	engine  *Engine
	journal *Journal
}

func newAPIHarness(t *testing.T, limits RateConfig) *apiHarness {
	t.Helper()
	st, _ := setupStore(t)
	provider := &fakeProvider{
		info: wallet.ProviderInfo{Name: "MetaMask"},
		submit: func(n int, _ []wallet.PaymentCall) (json.RawMessage, error) {
			return rawString(fullTxHash(n)), nil
		},
	}
	journal := NewJournal(storage.NewMemDB(), nil)
	engine, hub := newTestEngine(t, provider, st, WithJournal(journal))

	voterAuth, err := NewVoterAuthenticator(AuthConfig{HMACSecret: testHMACSecret, Issuer: "votesettle-test", Audience: []string{"votes"}}, nil)
	require.NoError(t, err)
	adminAuth, err := NewAdminAuthenticator(testAdminToken)
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Engine:    engine,
		Events:    hub,
		Journal:   journal,
		VoterAuth: voterAuth,
		AdminAuth: adminAuth,
		RateLimit: limits,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiHarness{server: ts, engine: engine, journal: journal}
}

func signVoterToken(t *testing.T, subject, session string, ttl time.Duration) string {
	t.Helper()
	claims := voterClaims{
		Session: session,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "votesettle-test",
			Audience:  jwt.ClaimStrings{"votes"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testHMACSecret))
	require.NoError(t, err)
	return token
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})
	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVoteEndpointSettlesRequest(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})
	token := signVoterToken(t, testVoter, "browser-1", time.Hour)

	resp := h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 7, "request_id": "req-http-1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeBody[voteResponse](t, resp)
	require.Equal(t, "req-http-1", accepted.RequestID)
	h.engine.Wait()

	resp = h.do(t, http.MethodGet, "/v1/requests/req-http-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decodeBody[requestResponse](t, resp)
	require.Equal(t, string(JournalCompleted), state.State)
	require.Equal(t, []string{"started:pending", "progress:pending", "progress:confirmed", "completed:settled"}, eventKinds(state.Events))

	resp = h.do(t, http.MethodGet, "/v1/species/owl/aggregate", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[OverlayView](t, resp)
	require.Equal(t, OverlaySettled, view.State)
	require.EqualValues(t, 7, view.Displayed)

	entry, err := h.journal.Get("req-http-1")
	require.NoError(t, err)
	require.Equal(t, "browser-1", entry.SessionID)
	require.Equal(t, testVoter, entry.Voter)

	resp = h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 3, "request_id": "req-http-1"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestVoteEndpointRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})
	token := signVoterToken(t, testVoter, "", time.Hour)

	resp := h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 5, "price": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": DefaultMaxWeight + 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.Contains(t, body["error"], "outside the allowed range")
}

func TestVoterAuthentication(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})

	resp := h.do(t, http.MethodPost, "/v1/species/owl/votes", "", map[string]any{"weight": 5})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired := signVoterToken(t, testVoter, "", -time.Hour)
	resp = h.do(t, http.MethodGet, "/v1/species/owl/aggregate", expired, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, voterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testVoter,
			Issuer:    "votesettle-test",
			Audience:  jwt.ClaimStrings{"votes"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	resp = h.do(t, http.MethodGet, "/v1/species/owl/aggregate", forged, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, voterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testVoter,
			Issuer:    "votesettle-test",
			Audience:  jwt.ClaimStrings{"admin"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testHMACSecret))
	require.NoError(t, err)
	resp = h.do(t, http.MethodGet, "/v1/species/owl/aggregate", wrongAudience, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestVisibleOnlyToOwner(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})
	owner := signVoterToken(t, testVoter, "", time.Hour)
	stranger := signVoterToken(t, "0x3333333333333333333333333333333333333333", "", time.Hour)

	resp := h.do(t, http.MethodPost, "/v1/species/owl/votes", owner, map[string]any{"weight": 5, "request_id": "req-owned"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.engine.Wait()

	resp = h.do(t, http.MethodGet, "/v1/requests/req-owned", stranger, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/v1/requests/req-missing", owner, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminPauseAndStatus(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})
	token := signVoterToken(t, testVoter, "", time.Hour)

	resp := h.do(t, http.MethodPost, "/admin/pause", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/admin/pause", "not-the-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/admin/pause", testAdminToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 5})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/admin/status", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[Status](t, resp)
	require.True(t, status.Paused)

	resp = h.do(t, http.MethodPost, "/admin/resume", testAdminToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.engine.Wait()
}

func TestVoteEndpointRateLimited(t *testing.T) {
	h := newAPIHarness(t, RateConfig{PerMinute: 1, Burst: 1})
	token := signVoterToken(t, testVoter, "", time.Hour)

	resp := h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/v1/species/heron/votes", token, map[string]any{"weight": 5})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Reads are not throttled.
	resp = h.do(t, http.MethodGet, "/v1/species/heron/aggregate", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.engine.Wait()
}

func TestStreamReplaysRequestEvents(t *testing.T) {
	h := newAPIHarness(t, RateConfig{})
	token := signVoterToken(t, testVoter, "", time.Hour)

	resp := h.do(t, http.MethodPost, "/v1/species/owl/votes", token, map[string]any{"weight": 12, "request_id": "req-stream"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.engine.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/requests/req-stream/stream"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var events []Event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 4)
	require.Equal(t, EventCompleted, events[3].Kind)
	require.EqualValues(t, 12, events[3].TotalConfirmedWeight)
}
