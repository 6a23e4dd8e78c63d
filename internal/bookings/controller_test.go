package bookings

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"busline/internal/seatlock"
	"busline/internal/shared/config"
	"busline/internal/shared/middleware"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Errors     json.RawMessage `json:"errors"`
}

func newTestRouter(f *fixture) (*gin.Engine, *middleware.Auth) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	auth := middleware.NewAuth(&config.Config{JWT: config.JWTConfig{Secret: "test"}}, logger.Discard())
	ctrl := NewController(f.svc, logger.Discard())
	ctrl.(*controller).now = f.clock.Now
	SetupBookingRoutes(r.Group("/api/v1"), ctrl, auth, nil)
	return r, auth
}

func newGuest(t *testing.T, auth *middleware.Auth) middleware.GuestIdentity {
	t.Helper()
	g, err := auth.IssueGuest()
	if err != nil {
		t.Fatalf("issue guest: %v", err)
	}
	return g
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return doJSONAs(t, r, "", method, path, body)
}

// doJSONAs sends the request with a guest token when one is given
func doJSONAs(t *testing.T, r http.Handler, guestToken, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if guestToken != "" {
		req.Header.Set(middleware.GuestTokenHeader, guestToken)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return w, env
}

func TestBookingEndpoints(t *testing.T) {
	f := newFixture(t)
	r, auth := newTestRouter(f)
	guest := newGuest(t, auth)
	f.lock(t, guest.HolderID, "1A", "1B")

	w, env := doJSONAs(t, r, guest.Token, http.MethodPost, "/api/v1/bookings", map[string]interface{}{
		"trip_id":  "T1",
		"seat_ids": []string{"1A", "1B"},
		"passengers": []map[string]string{
			{"full_name": "Ana"},
			{"full_name": "Bo", "email": "bo@example.com"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created BookingResponse
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != StatusPending || created.SecondsLeft != int(testWindow.Seconds()) {
		t.Fatalf("created = %+v", created)
	}

	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/bookings/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w, _ = doJSONAs(t, r, guest.Token, http.MethodGet, "/api/v1/bookings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}

	w, _ = doJSONAs(t, r, guest.Token, http.MethodPost, "/api/v1/bookings/"+created.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", w.Code, w.Body.String())
	}

	w, env = doJSONAs(t, r, guest.Token, http.MethodPost, "/api/v1/bookings/"+created.ID+"/cancel", nil)
	if w.Code != http.StatusConflict || !bytes.Contains(env.Errors, []byte("ILLEGAL_TRANSITION")) {
		t.Fatalf("second cancel = %d %s", w.Code, w.Body.String())
	}
}

func TestOtherCallersCannotActForAHolder(t *testing.T) {
	f := newFixture(t)
	r, auth := newTestRouter(f)
	owner := newGuest(t, auth)
	other := newGuest(t, auth)
	b := f.book(t, owner.HolderID, "1A")
	if _, err := f.svc.MarkPaid(context.Background(), b.ID, "ORD-1"); err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/bookings/" + b.ID + "/cancel"

	// A bare holder id proves nothing
	w, _ := doJSON(t, r, http.MethodPost, path, map[string]string{"holder_id": owner.HolderID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("anonymous cancel = %d", w.Code)
	}
	// Another guest cannot claim the owner's id
	w, _ = doJSONAs(t, r, other.Token, http.MethodPost, path, map[string]string{"holder_id": owner.HolderID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("impersonated cancel = %d", w.Code)
	}
	// Nor cancel it as itself
	w, _ = doJSONAs(t, r, other.Token, http.MethodPost, path, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel = %d", w.Code)
	}
	if f.status(t, b.ID) != StatusPaid {
		t.Fatalf("status = %s", f.status(t, b.ID))
	}
	if f.refunds.count() != 0 {
		t.Fatal("refund scheduled for a rejected cancel")
	}
}

func TestCreateBookingConflictAsksToReselect(t *testing.T) {
	f := newFixture(t)
	r, auth := newTestRouter(f)
	guest := newGuest(t, auth)
	f.lock(t, guest.HolderID, "5A")
	f.clock.Advance(3 * time.Minute)

	w, env := doJSONAs(t, r, guest.Token, http.MethodPost, "/api/v1/bookings", map[string]interface{}{
		"trip_id":    "T1",
		"seat_ids":   []string{"5A"},
		"passengers": []map[string]string{{"full_name": "Ana"}},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(env.Errors, []byte("CONFLICT")) {
		t.Fatalf("errors = %s", env.Errors)
	}
}

func TestCreateBookingRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	r, _ := newTestRouter(f)
	f.lock(t, "guest-1", "1A")

	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/bookings", map[string]interface{}{
		"trip_id":    "T1",
		"holder_id":  "guest-1",
		"passengers": []map[string]string{{"full_name": "Ana"}},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	st, _ := f.store.State("T1", "1A")
	if st.Status != seatlock.StatusLocked {
		t.Fatalf("seat = %+v", st)
	}
}

func TestGetUnknownBooking(t *testing.T) {
	f := newFixture(t)
	r, _ := newTestRouter(f)

	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/bookings/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestExpiryJobSweep(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")
	f.clock.Advance(testWindow + time.Second)

	job := NewExpiryJob(f.svc, 10*time.Millisecond, logger.Discard())
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer job.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.status(t, b.ID) == StatusExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expiry job did not expire the booking")
}
