package adminapp

import (
	"context"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/rcprobe/internal/db"
	"github.com/kuitang/rcprobe/internal/integrations"
	"github.com/kuitang/rcprobe/internal/mailer"
	"github.com/kuitang/rcprobe/internal/settings"
	"github.com/kuitang/rcprobe/internal/twofactor"
)

const (
	adminPassword = "admin-password"
	userPassword  = "user-password"
	totpSecret    = "JBSWY3DPEHPK3PXP"
)

type testApp struct {
	srv    *httptest.Server
	store  *db.DB
	app    *Server
	sender *mailer.MockSender
}

func newTestApp(t *testing.T, env map[string]string, admin SeedUser) *testApp {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, db.Options{MasterKey: []byte("adminapp-test-master-key")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if admin.Username == "" {
		admin = SeedUser{Username: "admin", Password: adminPassword, Email: "admin@example.com"}
	}
	require.NoError(t, Seed(ctx, store, SeedOptions{
		Admin: admin,
		Users: []SeedUser{
			{Username: "jdoe", Password: userPassword, Name: "Jane Doe", Email: "jdoe@example.com"},
		},
		BcryptCost: bcrypt.MinCost,
	}))

	sender := mailer.NewMockSender()
	app, err := New(ctx, store, Config{Env: settings.MapEnv(env), Sender: sender})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	require.NoError(t, app.Settings().Set(ctx, settings.SiteURL, srv.URL))
	return &testApp{srv: srv, store: store, app: app, sender: sender}
}

func (a *testApp) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func fetch(t *testing.T, c *http.Client, method, u string, form url.Values) (int, string) {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, u, body)
	require.NoError(t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (a *testApp) login(t *testing.T, c *http.Client, user, password string) (int, string) {
	t.Helper()
	return fetch(t, c, http.MethodPost, a.srv.URL+"/login", url.Values{
		"emailOrUsername": {user},
		"password":        {password},
	})
}

func TestLoginAndHome(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	c := a.client(t)

	status, body := a.login(t, c, "admin", adminPassword)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Welcome")
	assert.NotContains(t, body, `type="password"`)

	status, body = fetch(t, c, http.MethodGet, a.srv.URL+"/admin/rooms", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "general")
	assert.Contains(t, body, "engineering")
}

func TestLoginByEmail(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	status, _ := a.login(t, a.client(t), "jdoe@example.com", userPassword)
	assert.Equal(t, http.StatusOK, status)
}

func TestLoginFailure(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	for _, tc := range []struct{ user, password string }{
		{"admin", "wrong"},
		{"nobody", adminPassword},
	} {
		status, body := a.login(t, a.client(t), tc.user, tc.password)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Contains(t, body, "User not found or incorrect password")
	}
}

func TestAnonymousRedirectsToLogin(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	c := a.client(t)
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := c.Get(a.srv.URL + "/admin/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login?next=%2Fadmin%2Fusers", resp.Header.Get("Location"))
}

func TestLoginHonoursNext(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	c := a.client(t)
	status, body := fetch(t, c, http.MethodPost, a.srv.URL+"/login?next=%2Fadmin%2Fpermissions", url.Values{
		"emailOrUsername": {"admin"},
		"password":        {adminPassword},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "view-room-administration")
}

func TestSafeNext(t *testing.T) {
	assert.Equal(t, "/home", safeNext(""))
	assert.Equal(t, "/home", safeNext("https://evil.example"))
	assert.Equal(t, "/home", safeNext("//evil.example"))
	assert.Equal(t, "/admin/rooms?q=x", safeNext("/admin/rooms?q=x"))
}

func TestNonAdminForbidden(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	c := a.client(t)
	status, _ := a.login(t, c, "jdoe", userPassword)
	require.Equal(t, http.StatusOK, status)

	for _, path := range []string{"/admin/rooms", "/admin/users", "/admin/mailer", "/admin/emoji-custom"} {
		status, body := fetch(t, c, http.MethodGet, a.srv.URL+path, nil)
		assert.Equal(t, http.StatusForbidden, status, path)
		assert.Contains(t, body, "not allowed", path)
	}

	status, _ = fetch(t, c, http.MethodGet, a.srv.URL+"/directory", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestLogout(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	c := a.client(t)
	a.login(t, c, "admin", adminPassword)

	status, body := fetch(t, c, http.MethodPost, a.srv.URL+"/logout", url.Values{})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `type="password"`)

	status, body = fetch(t, c, http.MethodGet, a.srv.URL+"/home", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `type="password"`)
}

var challengeRE = regexp.MustCompile(`name="challenge" value="([^"]+)"`)

func TestTwoFactorLogin(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{Username: "admin", Password: adminPassword, TOTPSecret: totpSecret})
	c := a.client(t)

	status, body := a.login(t, c, "admin", adminPassword)
	require.Equal(t, http.StatusOK, status)
	m := challengeRE.FindStringSubmatch(body)
	require.Len(t, m, 2, "two-factor page shows a challenge")

	status, body = fetch(t, c, http.MethodPost, a.srv.URL+"/login/2fa", url.Values{
		"challenge":     {m[1]},
		"twoFactorCode": {"000000"},
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, "Invalid two-factor code")

	code, err := twofactor.Code(totpSecret, time.Now())
	require.NoError(t, err)
	status, body = fetch(t, c, http.MethodPost, a.srv.URL+"/login/2fa", url.Values{
		"challenge":     {m[1]},
		"twoFactorCode": {code},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Welcome")

	// The challenge is single use.
	status, body = fetch(t, c, http.MethodPost, a.srv.URL+"/login/2fa", url.Values{
		"challenge":     {m[1]},
		"twoFactorCode": {code},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `name="emailOrUsername"`)
}

// twoFactorChallenge signs in as admin on a fresh client and returns the
// client with the challenge token from the two-factor page.
func twoFactorChallenge(t *testing.T, a *testApp) (*http.Client, string) {
	t.Helper()
	c := a.client(t)
	status, body := a.login(t, c, "admin", adminPassword)
	require.Equal(t, http.StatusOK, status)
	m := challengeRE.FindStringSubmatch(body)
	require.Len(t, m, 2, "two-factor page shows a challenge")
	return c, m[1]
}

func TestTwoFactorCodeCannotBeReplayed(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{Username: "admin", Password: adminPassword, TOTPSecret: totpSecret})
	code, err := twofactor.Code(totpSecret, time.Now())
	require.NoError(t, err)

	c, challenge := twoFactorChallenge(t, a)
	status, body := fetch(t, c, http.MethodPost, a.srv.URL+"/login/2fa", url.Values{
		"challenge":     {challenge},
		"twoFactorCode": {code},
	})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "Welcome")

	// A fresh challenge with the code that was just used.
	c, challenge = twoFactorChallenge(t, a)
	status, body = fetch(t, c, http.MethodPost, a.srv.URL+"/login/2fa", url.Values{
		"challenge":     {challenge},
		"twoFactorCode": {code},
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, "Invalid two-factor code")
}

func TestTwoFactorBackupCodeSpentOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, nil, SeedUser{Username: "admin", Password: adminPassword, TOTPSecret: totpSecret})
	codes, hashed, err := twofactor.GenerateBackupCodes()
	require.NoError(t, err)
	u, err := a.store.UserByLogin(ctx, "admin")
	require.NoError(t, err)
	require.NoError(t, a.store.SaveTwoFactor(ctx, u.ID, &twofactor.Enrollment{Secret: totpSecret, HashedBackupCodes: hashed}))

	const n = 4
	clients := make([]*http.Client, n)
	challenges := make([]string, n)
	for i := range n {
		clients[i], challenges[i] = twoFactorChallenge(t, a)
	}
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/login/2fa", strings.NewReader(url.Values{
				"challenge":     {challenges[i]},
				"twoFactorCode": {codes[0]},
			}.Encode()))
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			resp, err := clients[i].Do(req)
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	ok := 0
	for _, st := range statuses {
		if st == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusUnauthorized, st)
		}
	}
	assert.Equal(t, 1, ok, "statuses %v", statuses)

	u, err = a.store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, u.TwoFactor.HashedBackupCodes, len(hashed)-1)
}

var twoFactorActionRE = regexp.MustCompile(`action="(/login/2fa[^"]*)"`)

func TestTwoFactorLoginKeepsNext(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{Username: "admin", Password: adminPassword, TOTPSecret: totpSecret})
	c := a.client(t)

	status, body := fetch(t, c, http.MethodPost, a.srv.URL+"/login?next="+url.QueryEscape("/admin/rooms"), url.Values{
		"emailOrUsername": {"admin"},
		"password":        {adminPassword},
	})
	require.Equal(t, http.StatusOK, status)
	m := challengeRE.FindStringSubmatch(body)
	require.Len(t, m, 2)
	action := twoFactorActionRE.FindStringSubmatch(body)
	require.Len(t, action, 2)
	target, err := url.Parse(html.UnescapeString(action[1]))
	require.NoError(t, err)
	assert.Equal(t, "/admin/rooms", target.Query().Get("next"))

	// A wrong code keeps next on the re-rendered form.
	status, body = fetch(t, c, http.MethodPost, a.srv.URL+target.String(), url.Values{
		"challenge":     {m[1]},
		"twoFactorCode": {"000000"},
	})
	require.Equal(t, http.StatusUnauthorized, status)
	action = twoFactorActionRE.FindStringSubmatch(body)
	require.Len(t, action, 2)
	again, err := url.Parse(html.UnescapeString(action[1]))
	require.NoError(t, err)
	assert.Equal(t, "/admin/rooms", again.Query().Get("next"))

	code, err := twofactor.Code(totpSecret, time.Now())
	require.NoError(t, err)
	status, body = fetch(t, c, http.MethodPost, a.srv.URL+again.String(), url.Values{
		"challenge":     {m[1]},
		"twoFactorCode": {code},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "engineering")
	assert.NotContains(t, body, "Welcome")
}

func TestTwoFactorDisabledBySetting(t *testing.T) {
	a := newTestApp(t, map[string]string{
		settings.OverwritePrefix + settings.TwoFactorEnabled: "false",
	}, SeedUser{Username: "admin", Password: adminPassword, TOTPSecret: totpSecret})

	status, body := a.login(t, a.client(t), "admin", adminPassword)
	assert.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body, "twoFactorCode")
	assert.Contains(t, body, "Welcome")
}

func TestLoginRateLimit(t *testing.T) {
	a := newTestApp(t, map[string]string{
		settings.OverwritePrefix + settings.LoginRateLimit: "2",
	}, SeedUser{})
	c := a.client(t)

	for range 2 {
		status, _ := a.login(t, c, "admin", "wrong")
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, body := a.login(t, c, "admin", adminPassword)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, body, "Too many login attempts")
}

func TestPublicSettings(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	status, body := fetch(t, a.client(t), http.MethodGet, a.srv.URL+"/api/v1/settings/public", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"success":true`)
	assert.Contains(t, body, settings.SiteName)
	assert.NotContains(t, body, settings.MailerFrom)
}

func TestInfo(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	status, body := fetch(t, a.client(t), http.MethodGet, a.srv.URL+"/api/v1/info", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, Version)
}

func TestCORS(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		a := newTestApp(t, nil, SeedUser{})
		req, _ := http.NewRequest(http.MethodGet, a.srv.URL+"/api/v1/info", nil)
		req.Header.Set("Origin", "https://other.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
	t.Run("enabled by override", func(t *testing.T) {
		a := newTestApp(t, map[string]string{
			settings.OverwritePrefix + settings.APIEnableCORS: "true",
		}, SeedUser{})
		req, _ := http.NewRequest(http.MethodGet, a.srv.URL+"/api/v1/info", nil)
		req.Header.Set("Origin", "https://other.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
	t.Run("not applied to pages", func(t *testing.T) {
		a := newTestApp(t, map[string]string{
			settings.OverwritePrefix + settings.APIEnableCORS: "true",
		}, SeedUser{})
		req, _ := http.NewRequest(http.MethodGet, a.srv.URL+"/login", nil)
		req.Header.Set("Origin", "https://other.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestWebhook(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	hook, err := integrations.NewService(a.store).CreateIncoming(context.Background(), integrations.Input{
		Name: "ci", Enabled: true, Channel: "#general", Username: "rocket.cat",
	})
	require.NoError(t, err)
	c := a.client(t)
	hookURL := a.srv.URL + "/hooks/" + hook.ID + "/" + hook.Token

	resp, err := c.Post(hookURL, "application/json", strings.NewReader(`{"text":"build passed"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := fetch(t, c, http.MethodPost, hookURL, url.Values{"payload": {`{"text":"slack style"}`}})
	assert.Equal(t, http.StatusOK, status)

	resp, err = c.Post(hookURL, "application/json", strings.NewReader(`{"text":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = c.Post(a.srv.URL+"/hooks/"+hook.ID+"/wrong", "application/json", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMailerSendsToSubscribers(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	c := a.client(t)
	a.login(t, c, "admin", adminPassword)

	status, body := fetch(t, c, http.MethodPost, a.srv.URL+"/admin/mailer", url.Values{
		"from":    {"admin@example.com"},
		"subject": {"News"},
		"body":    {"<p>Hi [fname]</p><p>[unsubscribe]</p>"},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Sent 2 emails (0 failed)")
	require.Equal(t, 2, a.sender.Count())
	last := a.sender.Last()
	assert.Equal(t, "News", last.Subject)
	assert.Contains(t, last.HTML, a.srv.URL+"/mailer/unsubscribe/")
	assert.NotContains(t, last.HTML, "[fname]")

	status, body = fetch(t, c, http.MethodPost, a.srv.URL+"/admin/mailer", url.Values{
		"from":    {"admin@example.com"},
		"subject": {"News"},
		"body":    {"<p>Hi</p>"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "[unsubscribe]")
}

func TestNotFound(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	status, body := fetch(t, a.client(t), http.MethodGet, a.srv.URL+"/no/such/page", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "Page not found")
}

func TestSeedIsIdempotent(t *testing.T) {
	a := newTestApp(t, nil, SeedUser{})
	ctx := context.Background()
	require.NoError(t, Seed(ctx, a.store, SeedOptions{
		Admin:      SeedUser{Username: "admin", Password: "different"},
		BcryptCost: bcrypt.MinCost,
	}))
	rooms, err := a.store.ListRooms(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rooms, len(seedRooms))

	// The original password still works.
	status, _ := a.login(t, a.client(t), "admin", adminPassword)
	assert.Equal(t, http.StatusOK, status)
}

func TestSeedRequiresAdmin(t *testing.T) {
	store, err := db.Open(context.Background(), db.Options{MasterKey: []byte("k")})
	require.NoError(t, err)
	defer store.Close()
	assert.Error(t, Seed(context.Background(), store, SeedOptions{}))
}
