package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"busline/internal/seatlock"
	"busline/internal/shared/config"
	"busline/internal/shared/middleware"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *seatlock.Store) {
	t.Helper()
	f := newTestHub(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	auth := middleware.NewAuth(&config.Config{JWT: config.JWTConfig{Secret: "test", GuestTTL: time.Hour}}, logger.Discard())
	SetupRealtimeRoutes(r.Group("/api/v1"), NewController(f.hub, auth, DefaultTransportConfig(), logger.Discard()), auth)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, f.store
}

// dial connects with guestToken, or without any identity when it is empty
func dial(t *testing.T, srv *httptest.Server, guestToken string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/seats"
	if guestToken != "" {
		url += "?" + middleware.GuestTokenQuery + "=" + guestToken
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials without an identity and returns the issued holder id and
// guest token from the welcome
func connect(t *testing.T, srv *httptest.Server) (*websocket.Conn, string, string) {
	t.Helper()
	conn := dial(t, srv, "")
	welcome := readUntil(t, conn, "welcome", func(m map[string]interface{}) bool { return m["type"] == TypeWelcome })
	holderID, _ := welcome["holderId"].(string)
	token, _ := welcome["guestToken"].(string)
	if !strings.HasPrefix(holderID, "guest-") || token == "" {
		t.Fatalf("welcome = %v", welcome)
	}
	return conn, holderID, token
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until match accepts one
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func ackFor(requestID string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool {
		return m["type"] == TypeAck && m["requestId"] == requestID
	}
}

func seatEvent(typ seatlock.EventType, seatID string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool {
		return m["type"] == string(typ) && m["seatId"] == seatID
	}
}

// Two browsers on trip T1 race for seat 5A
func TestTwoClientsContendForOneSeat(t *testing.T) {
	srv, store := newTestServer(t)
	alice, aliceID, _ := connect(t, srv)
	bob, bobID, _ := connect(t, srv)

	sendJSON(t, alice, Request{Type: ActionJoinTrip, TripID: "T1", RequestID: "a-join"})
	readUntil(t, alice, "alice snapshot", func(m map[string]interface{}) bool { return m["type"] == TypeCurrentLocks })
	readUntil(t, alice, "alice join ack", ackFor("a-join"))

	sendJSON(t, bob, Request{Type: ActionJoinTrip, TripID: "T1", RequestID: "b-join"})
	readUntil(t, bob, "bob join ack", ackFor("b-join"))

	sendJSON(t, alice, Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5A", RequestID: "a-lock"})
	if ack := readUntil(t, alice, "alice lock ack", ackFor("a-lock")); ack["success"] != true {
		t.Fatalf("alice lock = %v", ack)
	}
	locked := readUntil(t, bob, "seatLocked on bob", seatEvent(seatlock.EventSeatLocked, "5A"))
	if locked["holderId"] != nil || locked["mine"] != nil || locked["expiresAt"] == nil {
		t.Fatalf("broadcast = %v", locked)
	}

	sendJSON(t, bob, Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5A", RequestID: "b-lock"})
	ack := readUntil(t, bob, "bob lock ack", ackFor("b-lock"))
	if ack["success"] != false || ack["error"] != "CONFLICT" {
		t.Fatalf("bob lock = %v", ack)
	}

	sendJSON(t, alice, Request{Type: ActionUnlockSeat, TripID: "T1", SeatID: "5A", RequestID: "a-unlock"})
	readUntil(t, alice, "alice unlock ack", ackFor("a-unlock"))
	readUntil(t, bob, "seatUnlocked on bob", seatEvent(seatlock.EventSeatUnlocked, "5A"))

	sendJSON(t, bob, Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5A", RequestID: "b-lock-2"})
	if ack := readUntil(t, bob, "bob second lock", ackFor("b-lock-2")); ack["success"] != true {
		t.Fatalf("bob second lock = %v", ack)
	}
	readUntil(t, alice, "seatLocked on alice", func(m map[string]interface{}) bool {
		return seatEvent(seatlock.EventSeatLocked, "5A")(m) && m["mine"] == nil
	})

	st, err := store.State("T1", "5A")
	if err != nil || st.HolderID != bobID || aliceID == bobID {
		t.Fatalf("state = %+v, %v", st, err)
	}
}

func TestLocksSurviveDisconnect(t *testing.T) {
	srv, store := newTestServer(t)
	conn, carolID, token := connect(t, srv)
	sendJSON(t, conn, Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5B", RequestID: "c-lock"})
	readUntil(t, conn, "lock ack", ackFor("c-lock"))
	conn.Close()

	// Reconnecting with the guest token can release the lock
	again := dial(t, srv, token)
	welcome := readUntil(t, again, "welcome", func(m map[string]interface{}) bool { return m["type"] == TypeWelcome })
	if welcome["holderId"] != carolID || welcome["guestToken"] != nil {
		t.Fatalf("welcome = %v", welcome)
	}
	if st, _ := store.State("T1", "5B"); st.Status != seatlock.StatusLocked || st.HolderID != carolID {
		t.Fatalf("state after disconnect = %+v", st)
	}
	sendJSON(t, again, Request{Type: ActionUnlockSeat, TripID: "T1", SeatID: "5B", RequestID: "c-unlock"})
	if ack := readUntil(t, again, "unlock ack", ackFor("c-unlock")); ack["success"] != true {
		t.Fatalf("unlock = %v", ack)
	}
}

func TestMalformedMessageGetsInvalidAck(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, _, _ := connect(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, conn, "invalid ack", func(m map[string]interface{}) bool { return m["type"] == TypeAck })
	if ack["success"] != false || ack["error"] != "INVALID" {
		t.Fatalf("ack = %v", ack)
	}
}

func TestConnectionCannotClaimAnotherHolder(t *testing.T) {
	srv, store := newTestServer(t)
	owner, ownerID, _ := connect(t, srv)
	sendJSON(t, owner, Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5A", RequestID: "o-lock"})
	readUntil(t, owner, "owner lock ack", ackFor("o-lock"))

	// A forged token and a bare holder id both leave the caller a stranger
	intruder := dial(t, srv, "forged")
	welcome := readUntil(t, intruder, "welcome", func(m map[string]interface{}) bool { return m["type"] == TypeWelcome })
	if welcome["holderId"] == ownerID {
		t.Fatalf("welcome = %v", welcome)
	}
	sendJSON(t, intruder, Request{Type: ActionUnlockSeat, TripID: "T1", SeatID: "5A", HolderID: ownerID, RequestID: "i-unlock"})
	if ack := readUntil(t, intruder, "intruder ack", ackFor("i-unlock")); ack["success"] != false || ack["error"] != "NOT_HELD" {
		t.Fatalf("intruder unlock = %v", ack)
	}

	sendJSON(t, intruder, Request{Type: ActionJoinTrip, TripID: "T1", RequestID: "i-join"})
	snap := readUntil(t, intruder, "snapshot", func(m map[string]interface{}) bool { return m["type"] == TypeCurrentLocks })
	if seat := snap["lockedSeats"].([]interface{})[0].(map[string]interface{}); seat["holderId"] != nil || seat["mine"] != nil {
		t.Fatalf("snapshot = %v", snap)
	}

	if st, _ := store.State("T1", "5A"); st.Status != seatlock.StatusLocked || st.HolderID != ownerID {
		t.Fatalf("state = %+v", st)
	}
}
