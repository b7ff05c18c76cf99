package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anatolykoptev/go-stealth/ratelimit"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/xgate/internal/config"
	"github.com/anatolykoptev/xgate/internal/credstore"
	"github.com/anatolykoptev/xgate/internal/tokenstore"
	"github.com/anatolykoptev/xgate/internal/upstream"
)

const aliceProfileBody = `{"data":{"user":{"result":{"__typename":"User","rest_id":"111","legacy":{"screen_name":"alice","name":"Alice"}}}}}`

// scriptedTransport routes upstream calls by URL substring.
type scriptedTransport func(url string) ([]byte, int)

func (f scriptedTransport) Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
	b, status := f(url)
	return b, nil, status, nil
}

type scriptedEstablisher struct{ tr upstream.Transport }

func (e *scriptedEstablisher) Establish(ctx context.Context, acct *credstore.Account, proxy string) (*upstream.Session, error) {
	jar := upstream.NewJar()
	jar.Set("auth_token", "tok-"+acct.Username)
	jar.Set("ct0", "csrf")
	return upstream.NewSession(acct.Username, jar, e.tr, proxy, "", ratelimit.DefaultConfig), nil
}

type testEnv struct {
	srv    *Server
	creds  *credstore.Store
	tokens *tokenstore.Store
	value  string // a pre-issued downstream token
}

func newTestEnv(t *testing.T, script scriptedTransport, usernames ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	creds, err := credstore.Open(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)
	recs := make([]credstore.Credential, 0, len(usernames))
	for _, u := range usernames {
		recs = append(recs, credstore.Credential{Username: u, Password: "pw"})
	}
	if len(recs) > 0 {
		_, err = creds.Add(recs)
		require.NoError(t, err)
	}

	tokens, err := tokenstore.Open(filepath.Join(dir, "tokens.json"))
	require.NoError(t, err)
	issued, err := tokens.Issue("test")
	require.NoError(t, err)

	pool := upstream.NewPool(creds, &scriptedEstablisher{tr: script}, upstream.PoolConfig{Size: 5})
	pool.Start()
	deadline := time.Now().Add(2 * time.Second)
	for pool.ActiveCount() < len(usernames) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rot := upstream.NewRotator(pool, nil)
	guest := upstream.NewGuestAuth(script, time.Second)
	client := upstream.NewClient(rot, guest, script, nil)

	cfg := &config.Config{Host: "127.0.0.1", Port: 0, AdminPassword: "sesame", IdleTimeout: 255 * time.Second}
	return &testEnv{
		srv:    New(cfg, creds, tokens, pool, client),
		creds:  creds,
		tokens: tokens,
		value:  issued.Value,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doAdmin(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.AddCookie(&http.Cookie{Name: adminCookieName, Value: "sesame"})
	rec := httptest.NewRecorder()
	e.srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func profileScript(url string) ([]byte, int) {
	switch {
	case strings.Contains(url, "guest/activate"):
		return []byte(`{"guest_token":"gt"}`), 200
	case strings.Contains(url, "UserByScreenName"), strings.Contains(url, "UserByRestId"):
		return []byte(aliceProfileBody), 200
	default:
		return []byte(`{}`), 404
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, profileScript, "acct1")

	rec := env.do(t, "GET", "/api/users/@alice", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "GET", "/api/users/@alice", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfileEndToEnd(t *testing.T) {
	env := newTestEnv(t, profileScript, "acct1", "acct2")

	rec := env.do(t, "GET", "/api/users/@alice", env.value, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rest_id":"111"`)

	// Dispatch advanced last_used on some account.
	advanced := false
	for _, a := range env.creds.Snapshot() {
		if a.LastUsed > 0 {
			advanced = true
		}
	}
	require.True(t, advanced)
}

func TestProfileRequiresAtPrefix(t *testing.T) {
	env := newTestEnv(t, profileScript, "acct1")
	rec := env.do(t, "GET", "/api/users/alice", env.value, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTweetNotFound(t *testing.T) {
	script := scriptedTransport(func(url string) ([]byte, int) {
		if strings.Contains(url, "guest/activate") {
			return []byte(`{"guest_token":"gt"}`), 200
		}
		return []byte(`{"data":{"tweetResult":{}}}`), 200
	})
	env := newTestEnv(t, script, "acct1")

	rec := env.do(t, "GET", "/api/tweets/123", env.value, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), `"metadata"`)
}

func TestExhaustedAccountsIs503(t *testing.T) {
	script := scriptedTransport(func(url string) ([]byte, int) {
		return []byte(`{}`), 401
	})
	env := newTestEnv(t, script, "acct1")

	rec := env.do(t, "GET", "/api/users/@alice", env.value, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"attempts"`)
	require.Contains(t, rec.Body.String(), `"url"`)
}

func TestAdminGate(t *testing.T) {
	env := newTestEnv(t, profileScript)

	rec := env.do(t, "POST", "/api/accounts/import", env.value, strings.NewReader(`{}`))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("POST", "/api/accounts/import", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: adminCookieName, Value: "wrong"})
	rr := httptest.NewRecorder()
	env.srv.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminLoginSetsCookie(t *testing.T) {
	env := newTestEnv(t, profileScript)

	rec := env.do(t, "POST", "/admin/login", "", strings.NewReader(`{"password":"sesame"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Result().Cookies())

	rec = env.do(t, "POST", "/admin/login", "", strings.NewReader(`{"password":"nope"}`))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestImportAccounts(t *testing.T) {
	env := newTestEnv(t, profileScript)

	body := `{"format":"username:password:email:emailPassword:authToken:ANY","accounts":"alice:pw:a@x:ep:tok:garbage\nbob:pw2:b@x:ep2:tok2:junk"}`
	rec := env.doAdmin(t, "POST", "/api/accounts/import", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":2`)

	acct := env.creds.Get("alice")
	require.NotNil(t, acct)
	require.Equal(t, "a@x", acct.Email)
	require.Equal(t, "tok", acct.AuthToken)
	require.Empty(t, acct.TwoFactorSecret)

	// Importing again is idempotent.
	rec = env.doAdmin(t, "POST", "/api/accounts/import", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":0`)
}

func TestImportRejectsBadFormat(t *testing.T) {
	env := newTestEnv(t, profileScript)
	rec := env.doAdmin(t, "POST", "/api/accounts/import", strings.NewReader(`{"format":"password:email","accounts":"x:y"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenLifecycle(t *testing.T) {
	env := newTestEnv(t, profileScript, "acct1")

	rec := env.doAdmin(t, "POST", "/api/tokens", strings.NewReader(`{"name":"cli"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var issued tokenstore.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.Len(t, issued.Value, 32)

	// The fresh token authenticates immediately.
	rec = env.do(t, "GET", "/api/users/@alice", issued.Value, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.doAdmin(t, "DELETE", "/api/tokens/"+issued.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/api/users/@alice", issued.Value, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func allTweetsScript(url string) ([]byte, int) {
	switch {
	case strings.Contains(url, "guest/activate"):
		return []byte(`{"guest_token":"gt"}`), 200
	case strings.Contains(url, "SearchTimeline") && strings.Contains(url, "max_id"):
		return []byte(`{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[]}}}}}`), 200
	case strings.Contains(url, "SearchTimeline"):
		return []byte(`{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[` +
			`{"entryId":"tweet-1","content":{"entryType":"TimelineTimelineItem","itemContent":{"__typename":"TimelineTweet","tweet_results":{"result":{"rest_id":"900"}}}}},` +
			`{"entryId":"tweet-2","content":{"entryType":"TimelineTimelineItem","itemContent":{"__typename":"TimelineTweet","tweet_results":{"result":{"rest_id":"800"}}}}}` +
			`]}]}}}}}`), 200
	default:
		return []byte(`{}`), 404
	}
}

func TestAllTweetsStreamsJSONL(t *testing.T) {
	env := newTestEnv(t, allTweetsScript, "acct1")

	req := httptest.NewRequest("GET", "/api/users/@alice/all-tweets", nil)
	req.Header.Set("Authorization", "Bearer "+env.value)
	req.Header.Set("Accept", "application/jsonl")
	rec := httptest.NewRecorder()
	env.srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/jsonl", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"rest_id":"900"}`, lines[0])
	require.JSONEq(t, `{"rest_id":"800"}`, lines[1])
}

func TestAllTweetsBufferedWithoutAcceptHeader(t *testing.T) {
	env := newTestEnv(t, allTweetsScript, "acct1")

	rec := env.do(t, "GET", "/api/users/@alice/all-tweets", env.value, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tweets []json.RawMessage `json:"tweets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tweets, 2)
	require.JSONEq(t, `{"rest_id":"900"}`, string(resp.Tweets[0]))
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, profileScript, "acct1")
	rec := env.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"loggedIn":true`)
}
