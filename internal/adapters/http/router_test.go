package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/app"
	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/app/sfu"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/config"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/store"
)

type capturingMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *capturingMailer) SendCode(email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *capturingMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type fixture struct {
	t      *testing.T
	router *gin.Engine
	store  *store.Store
	issuer *auth.Issuer
	mailer *capturingMailer
	orch   *orch.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	metrics := &app.Metrics{}
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(domain.RoomProperties{}, metrics),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Metrics:  metrics,
		Clock:    clock,
	}
	mailer := &capturingMailer{codes: map[string]string{}}
	issuer := auth.NewIssuer([]byte("api-secret"), 0, clockwork.NewRealClock())
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret", MetricsPath: "/metrics"}
	r := SetupRouter(context.Background(), cfg, Deps{
		Orch:     o,
		Store:    st,
		Tokens:   issuer,
		OTP:      auth.NewOTPBook(mailer, clock),
		Gatherer: reg,
	})
	return &fixture{t: t, router: r, store: st, issuer: issuer, mailer: mailer, orch: o}
}

type req struct {
	method  string
	path    string
	body    any
	bearer  string
	cookies []*http.Cookie
}

func (f *fixture) do(r req) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if r.body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(r.body))
	}
	hr := httptest.NewRequest(r.method, r.path, &buf)
	hr.Header.Set("Content-Type", "application/json")
	if r.bearer != "" {
		hr.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	for _, c := range r.cookies {
		hr.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, hr)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// signIn runs the OTP flow and returns the account token and cookies.
func (f *fixture) signIn(email string) (string, domain.AccountID, []*http.Cookie) {
	f.t.Helper()
	w := f.do(req{method: http.MethodPost, path: "/api/auth/otp", body: gin.H{"email": email}})
	require.Equal(f.t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(req{method: http.MethodPost, path: "/api/auth/otp/verify", body: gin.H{"email": email, "code": f.mailer.code(strings.ToLower(email))}})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		AccountID domain.AccountID `json:"accountId"`
		Token     string           `json:"token"`
	}](f.t, w)
	return out.Token, out.AccountID, w.Result().Cookies()
}

func (f *fixture) createSession(bearer string, access domain.AccessMode) domain.Session {
	f.t.Helper()
	w := f.do(req{method: http.MethodPost, path: "/api/sessions", bearer: bearer, body: gin.H{"title": "Launch", "eventAccess": access}})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[domain.Session](f.t, w)
}

func TestOTP_SignInAndCookieSession(t *testing.T) {
	f := newFixture(t)
	_, acc, cookies := f.signIn("Host@Example.com")
	require.NotEmpty(t, acc)

	w := f.do(req{method: http.MethodPost, path: "/api/auth/otp", body: gin.H{"email": "host@example.com"}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = f.do(req{method: http.MethodPost, path: "/api/sessions", cookies: cookies, body: gin.H{"title": "From cookie"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, acc, decode[domain.Session](t, w).OwnerAccountID)
}

func TestOTP_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	w := f.do(req{method: http.MethodPost, path: "/api/auth/otp", body: gin.H{"email": "not-an-email"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.do(req{method: http.MethodPost, path: "/api/auth/otp", body: gin.H{"email": "a@b.co"}})
	wrong := "000000"
	if f.mailer.code("a@b.co") == wrong {
		wrong = "111111"
	}
	w = f.do(req{method: http.MethodPost, path: "/api/auth/otp/verify", body: gin.H{"email": "a@b.co", "code": wrong}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(req{method: http.MethodPost, path: "/api/auth/otp/verify", body: gin.H{"email": "a@b.co", "code": "12ab"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth_BearerValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(req{method: http.MethodPost, path: "/api/sessions", body: gin.H{"title": "x"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(req{method: http.MethodGet, path: "/api/rooms", bearer: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestToken_OpenAndTicketedAccess(t *testing.T) {
	f := newFixture(t)
	ownerTok, _, _ := f.signIn("owner@example.com")
	open := f.createSession(ownerTok, domain.AccessOpen)
	ticketed := f.createSession(ownerTok, domain.AccessTicketed)

	w := f.do(req{method: http.MethodPost, path: "/api/sessions/" + string(open.ID) + "/token", body: gin.H{"displayName": "Guest Ann"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tok := decode[struct {
		Token            string `json:"token"`
		ExpiresInSeconds int    `json:"expiresInSeconds"`
	}](t, w)
	assert.Equal(t, 4*3600, tok.ExpiresInSeconds)
	claims, err := f.issuer.VerifyMeeting(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "Guest Ann", claims.DisplayName)
	assert.False(t, claims.Owner)

	path := "/api/sessions/" + string(ticketed.ID) + "/token"
	w = f.do(req{method: http.MethodPost, path: path})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewerTok, viewer, _ := f.signIn("viewer@example.com")
	w = f.do(req{method: http.MethodPost, path: path, bearer: viewerTok})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(req{method: http.MethodGet, path: "/api/sessions/" + string(ticketed.ID) + "/entitlement", bearer: viewerTok})
	assert.Equal(t, false, decode[gin.H](t, w)["hasAccess"])

	w = f.do(req{method: http.MethodPost, path: "/api/sessions/" + string(ticketed.ID) + "/entitlements", bearer: viewerTok, body: gin.H{"accountId": viewer}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(req{method: http.MethodPost, path: "/api/sessions/" + string(ticketed.ID) + "/entitlements", bearer: ownerTok, body: gin.H{"accountId": viewer}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(req{method: http.MethodPost, path: path, bearer: viewerTok})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok})
	require.Equal(t, http.StatusOK, w.Code)
	claims, err = f.issuer.VerifyMeeting(decode[gin.H](t, w)["token"].(string))
	require.NoError(t, err)
	assert.True(t, claims.Owner)
}

func TestSessions_GetMissing(t *testing.T) {
	f := newFixture(t)
	w := f.do(req{method: http.MethodGet, path: "/api/sessions/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActions_OwnerWritesAndPollReplaced(t *testing.T) {
	f := newFixture(t)
	ownerTok, _, _ := f.signIn("owner@example.com")
	otherTok, _, _ := f.signIn("other@example.com")
	s := f.createSession(ownerTok, domain.AccessOpen)
	path := "/api/sessions/" + string(s.ID) + "/actions"

	poll := gin.H{"type": "poll", "payload": gin.H{"question": "Tea?", "options": []string{"yes", "no"}}}
	w := f.do(req{method: http.MethodPost, path: path, bearer: otherTok, body: poll})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: poll})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: gin.H{"type": "poll", "payload": gin.H{"question": "Coffee?"}}})
	require.Equal(t, http.StatusCreated, w.Code)
	second := decode[actionView](t, w)
	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: gin.H{"type": "download", "payload": gin.H{"url": "https://x/y.pdf"}}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: gin.H{"type": "vote", "payload": gin.H{}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	list := decode[[]actionView](t, f.do(req{method: http.MethodGet, path: path}))
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.JSONEq(t, `{"question":"Coffee?"}`, string(list[0].Payload))

	w = f.do(req{method: http.MethodDelete, path: path + "/" + second.ID, bearer: ownerTok})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(req{method: http.MethodDelete, path: path + "/" + second.ID, bearer: ownerTok})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, decode[[]actionView](t, f.do(req{method: http.MethodGet, path: path})), 1)
}

func TestStatus_Transitions(t *testing.T) {
	f := newFixture(t)
	ownerTok, _, _ := f.signIn("owner@example.com")
	s := f.createSession(ownerTok, domain.AccessOpen)
	path := "/api/sessions/" + string(s.ID) + "/status"

	w := f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: gin.H{"status": "ended"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: gin.H{"status": "live"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusLive, decode[domain.Session](t, w).Status)

	w = f.do(req{method: http.MethodPost, path: path, bearer: ownerTok, body: gin.H{"status": "paused"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttendance_JoinLeave(t *testing.T) {
	f := newFixture(t)
	ownerTok, _, _ := f.signIn("owner@example.com")
	s := f.createSession(ownerTok, domain.AccessOpen)

	w := f.do(req{method: http.MethodPost, path: "/api/attendance", body: gin.H{"sessionId": s.ID, "name": "Ann"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[gin.H](t, w)["attendanceId"].(string)

	rows, err := f.store.Attendance(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].ParticipantRef)

	w = f.do(req{method: http.MethodPost, path: "/api/attendance/" + id + "/leave"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(req{method: http.MethodPost, path: "/api/attendance/" + id + "/leave"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRooms_PatchListEvict(t *testing.T) {
	f := newFixture(t)
	ownerTok, owner, _ := f.signIn("owner@example.com")
	s := f.createSession(ownerTok, domain.AccessOpen)

	meeting, err := f.issuer.IssueMeeting(s, "Host", owner)
	require.NoError(t, err)
	guest, err := f.issuer.IssueMeeting(s, "Guest", "")
	require.NoError(t, err)

	path := "/api/rooms/" + string(s.Room)
	w := f.do(req{method: http.MethodPatch, path: path, bearer: guest.Value, body: gin.H{"enable_knocking": true}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(req{method: http.MethodPatch, path: path, bearer: meeting.Value, body: gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(req{method: http.MethodPatch, path: path, bearer: meeting.Value, body: gin.H{"enable_knocking": true, "max_participants": 4}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	props := decode[domain.RoomProperties](t, w)
	assert.True(t, props.EnableKnocking)
	assert.Equal(t, 4, props.MaxParticipants)

	w = f.do(req{method: http.MethodPatch, path: path, bearer: ownerTok, body: gin.H{"enable_screenshare": true}})
	require.Equal(t, http.StatusOK, w.Code)
	props = decode[domain.RoomProperties](t, w)
	assert.True(t, props.EnableKnocking)
	assert.True(t, props.EnableScreenshare)

	rooms := f.do(req{method: http.MethodGet, path: "/api/rooms"})
	assert.Contains(t, rooms.Body.String(), string(s.Room))

	w = f.do(req{method: http.MethodGet, path: path + "/members"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(req{method: http.MethodGet, path: "/api/rooms/none/members"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(req{method: http.MethodDelete, path: path, bearer: guest.Value})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(req{method: http.MethodDelete, path: path, bearer: meeting.Value})
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := f.orch.Rooms.Get(s.Room)
	assert.False(t, ok)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(req{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "livestage_")
}
