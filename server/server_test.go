package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/delivery"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/registry"
	"chatrelay/relay"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	db     *db.DB
	issuer *auth.Issuer
}

// setupTestServer starts a server on a temporary database.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)

	tracker, err := delivery.New(1024, 1024)
	require.NoError(t, err)
	engine := relay.New(registry.New(), tracker, database, zap.NewNop(), 256)
	issuer := auth.NewIssuer("test-secret", time.Hour)

	srv := New(database, engine, issuer, &ServerConfig{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
		PingInterval: time.Second,
		MaxFrame:     2048,
	}, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, "test over")
		ts.Close()
		engine.Close()
		database.Close()
	})
	return &testEnv{srv: srv, ts: ts, db: database, issuer: issuer}
}

func (e *testEnv) createUser(t *testing.T, phone, name string) (models.User, string) {
	t.Helper()
	u, err := e.db.CreateUser(context.Background(), phone, name, "secret")
	require.NoError(t, err)
	token, err := e.issuer.Issue(u.ID)
	require.NoError(t, err)
	return u, token
}

func (e *testEnv) rawDial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dial opens an authenticated socket and waits until it is registered.
func (e *testEnv) dial(t *testing.T, userID int64, token string) *websocket.Conn {
	t.Helper()
	reg := e.srv.engine.Registry()
	before := len(reg.ConnectionsFor(userID))

	conn := e.rawDial(t)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeAuth, Token: token})
	f := readUntil(t, conn, protocol.TypeAuthOK)
	require.Equal(t, userID, f.UserID)

	require.Eventually(t, func() bool {
		return len(reg.ConnectionsFor(userID)) == before+1
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteJSON(f))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f protocol.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return &f
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) *protocol.Frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type == typ {
			return f
		}
	}
}

func TestPing(t *testing.T) {
	env := setupTestServer(t)
	conn := env.rawDial(t)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, readFrame(t, conn).Type)
}

func TestAuthInvalidToken(t *testing.T) {
	env := setupTestServer(t)
	conn := env.rawDial(t)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeAuth, Token: "nope"})
	f := readFrame(t, conn)
	assert.Equal(t, protocol.TypeAuthError, f.Type)
	assert.NotEmpty(t, f.Error)

	// the socket stays usable
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, readFrame(t, conn).Type)
}

func TestReauthAsOtherUserRejected(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")

	conn := env.dial(t, alice.ID, aliceTok)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeAuth, Token: bobTok})
	f := readUntil(t, conn, protocol.TypeAuthError)
	assert.Contains(t, f.Error, "already bound")
	assert.Len(t, env.srv.engine.Registry().ConnectionsFor(alice.ID), 1)
	assert.False(t, env.srv.engine.Registry().Online(bob.ID))
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	env := setupTestServer(t)
	conn := env.rawDial(t)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeChat, To: 1, Content: "hi"})
	f := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, codeNotAuthenticated, f.Code)
}

func TestMalformedFrames(t *testing.T) {
	env := setupTestServer(t)
	conn := env.rawDial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, codeInvalidFrame, readFrame(t, conn).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	assert.Equal(t, codeUnknownType, readFrame(t, conn).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","content":"x"}`)))
	assert.Equal(t, codeMissingField, readFrame(t, conn).Code)

	big := `{"type":"chat","to":1,"content":"` + strings.Repeat("x", 4096) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))
	assert.Equal(t, codeFrameTooLarge, readFrame(t, conn).Code)
}

func TestChatLiveDelivery(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	aliceConn := env.dial(t, alice.ID, aliceTok)
	bobConn := env.dial(t, bob.ID, bobTok)

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: "hello bob"})

	chat := readUntil(t, bobConn, protocol.TypeChat)
	assert.Equal(t, alice.ID, chat.From)
	assert.Equal(t, "hello bob", chat.Content)
	assert.NotZero(t, chat.MessageID)
	assert.NotNil(t, chat.CreatedAt)

	sent := readUntil(t, aliceConn, protocol.TypeSent)
	assert.Equal(t, chat.MessageID, sent.MessageID)
	assert.Equal(t, string(models.StateDelivered), sent.Status)
}

func TestOfflineDeliveryOnReconnect(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	aliceConn := env.dial(t, alice.ID, aliceTok)

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: text})
		sent := readUntil(t, aliceConn, protocol.TypeSent)
		assert.Equal(t, string(models.StateQueued), sent.Status)
		ids = append(ids, sent.MessageID)
	}

	bobConn := env.dial(t, bob.ID, bobTok)
	for i, text := range []string{"one", "two", "three"} {
		chat := readUntil(t, bobConn, protocol.TypeChat)
		assert.Equal(t, ids[i], chat.MessageID)
		assert.Equal(t, text, chat.Content)
	}

	writeFrame(t, bobConn, &protocol.Frame{Type: protocol.TypeAck, MessageID: ids[0]})
	for {
		r := readUntil(t, aliceConn, protocol.TypeReceipt)
		if r.MessageID == ids[0] && r.Status == string(models.StateRead) {
			break
		}
	}

	want := []models.DeliveryState{models.StateRead, models.StateDelivered, models.StateDelivered}
	assert.Eventually(t, func() bool {
		msgs, err := env.db.GetMessages(ctx, alice.ID, bob.ID, 0, 10)
		if err != nil || len(msgs) != 3 {
			return false
		}
		for i, m := range msgs {
			if m.Status != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAckErrors(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, _ := env.createUser(t, "200", "Bob")
	aliceConn := env.dial(t, alice.ID, aliceTok)

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeAck, MessageID: 9999})
	assert.Equal(t, codeOutOfOrderAck, readUntil(t, aliceConn, protocol.TypeError).Code)

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: "queued"})
	sent := readUntil(t, aliceConn, protocol.TypeSent)

	// only the recipient may ack
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeAck, MessageID: sent.MessageID})
	assert.Equal(t, codeNotRecipient, readUntil(t, aliceConn, protocol.TypeError).Code)
}

func TestChatErrors(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, _ := env.createUser(t, "200", "Bob")
	conn := env.dial(t, alice.ID, aliceTok)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeChat, To: 777, Content: "hi"})
	assert.Equal(t, codeRecipientNotFound, readUntil(t, conn, protocol.TypeError).Code)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: "   "})
	assert.Equal(t, codeEmptyContent, readUntil(t, conn, protocol.TypeError).Code)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: strings.Repeat("y", 300)})
	assert.Equal(t, codeContentTooLong, readUntil(t, conn, protocol.TypeError).Code)

	msgs, err := env.db.GetMessages(context.Background(), alice.ID, bob.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSignal(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	aliceConn := env.dial(t, alice.ID, aliceTok)

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeSignal, To: bob.ID, Kind: "offer", Data: offer})
	assert.Equal(t, codeRecipientOffline, readUntil(t, aliceConn, protocol.TypeError).Code)

	bobConn := env.dial(t, bob.ID, bobTok)
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeSignal, To: bob.ID, Kind: "offer", Data: offer})
	sig := readUntil(t, bobConn, protocol.TypeSignal)
	assert.Equal(t, alice.ID, sig.From)
	assert.Equal(t, "offer", sig.Kind)
	assert.JSONEq(t, string(offer), string(sig.Data))

	msgs, err := env.db.GetMessages(context.Background(), alice.ID, bob.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMultiDeviceFanOut(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	aliceConn := env.dial(t, alice.ID, aliceTok)
	phone := env.dial(t, bob.ID, bobTok)
	laptop := env.dial(t, bob.ID, bobTok)

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: "both"})
	a := readUntil(t, phone, protocol.TypeChat)
	b := readUntil(t, laptop, protocol.TypeChat)
	assert.Equal(t, a.MessageID, b.MessageID)

	// one device leaving keeps the user online
	laptop.Close()
	require.Eventually(t, func() bool {
		return len(env.srv.engine.Registry().ConnectionsFor(bob.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypeChat, To: bob.ID, Content: "phone only"})
	assert.Equal(t, "phone only", readUntil(t, phone, protocol.TypeChat).Content)
}

func TestPresenceNotifications(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	require.NoError(t, env.db.AddContact(ctx, bob.ID, alice.ID, ""))

	bobConn := env.dial(t, bob.ID, bobTok)
	aliceConn := env.dial(t, alice.ID, aliceTok)

	p := readUntil(t, bobConn, protocol.TypePresence)
	assert.Equal(t, alice.ID, p.From)
	assert.Equal(t, "online", p.Status)

	aliceConn.Close()
	p = readUntil(t, bobConn, protocol.TypePresence)
	assert.Equal(t, alice.ID, p.From)
	assert.Equal(t, "offline", p.Status)

	u, err := env.db.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, u.LastOffline.Before(u.LastOnline))
}

// A publish that runs after the user went offline, as a late first-device
// attach racing a last-device detach would, reports offline exactly once.
func TestPresenceFollowsRegistryState(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	require.NoError(t, env.db.AddContact(ctx, alice.ID, bob.ID, ""))

	aliceConn := env.dial(t, alice.ID, aliceTok)
	env.dial(t, bob.ID, bobTok)
	p := readUntil(t, aliceConn, protocol.TypePresence)
	assert.Equal(t, "online", p.Status)

	reg := env.srv.engine.Registry()
	conns := reg.ConnectionsFor(bob.ID)
	require.Len(t, conns, 1)
	_, last, ok := env.srv.engine.Detach(conns[0])
	require.True(t, ok)
	require.True(t, last)

	env.srv.publishPresence(ctx, bob.ID)
	env.srv.publishPresence(ctx, bob.ID)

	p = readUntil(t, aliceConn, protocol.TypePresence)
	assert.Equal(t, bob.ID, p.From)
	assert.Equal(t, "offline", p.Status)

	// nothing else is queued ahead of the pong
	writeFrame(t, aliceConn, &protocol.Frame{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, readFrame(t, aliceConn).Type)
}

func TestShutdownSendsBye(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	conn := env.dial(t, alice.ID, aliceTok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx, "maintenance"))

	bye := readUntil(t, conn, protocol.TypeBye)
	assert.Equal(t, "maintenance", bye.Reason)
	assert.False(t, env.srv.engine.Registry().Online(alice.ID))
}

func TestNoSessionsAfterShutdown(t *testing.T) {
	env := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx, "maintenance"))

	assert.False(t, env.srv.addSession(&Session{ID: "late"}))
	_, ok := env.srv.getSession("late")
	assert.False(t, ok)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// a second shutdown does not wait on anything
	require.NoError(t, env.srv.Shutdown(ctx, "again"))
}

func TestStats(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	env.dial(t, alice.ID, aliceTok)
	env.rawDial(t)

	require.Eventually(t, func() bool {
		return strings.HasPrefix(env.srv.GetStats(), "sockets=2,")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, env.srv.GetStats(), "connections=1,users=1")
}

// REST API

func doJSON(t *testing.T, env *testEnv, method, path, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterLoginMe(t *testing.T) {
	env := setupTestServer(t)

	resp, body := doJSON(t, env, http.MethodPost, "/register", "", map[string]string{
		"phone": "+100", "name": "Alice", "password": "pw",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["token"])

	resp, _ = doJSON(t, env, http.MethodPost, "/register", "", map[string]string{
		"phone": "+100", "name": "Again", "password": "pw",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, env, http.MethodPost, "/register", "", map[string]string{"phone": "+101"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, env, http.MethodPost, "/login", "", map[string]string{"phone": "+100", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = doJSON(t, env, http.MethodPost, "/login", "", map[string]string{"phone": "+100", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var token string
	require.NoError(t, json.Unmarshal(body["token"], &token))

	resp, body = doJSON(t, env, http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me models.User
	require.NoError(t, json.Unmarshal(body["user"], &me))
	assert.Equal(t, "Alice", me.Name)

	resp, _ = doJSON(t, env, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = doJSON(t, env, http.MethodGet, "/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestContactsAPI(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	env.dial(t, bob.ID, bobTok)

	resp, _ := doJSON(t, env, http.MethodPost, "/contacts", aliceTok, map[string]string{"phone": "999"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, env, http.MethodPost, "/contacts", aliceTok, map[string]string{"phone": alice.Phone})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, env, http.MethodPost, "/contacts", aliceTok, map[string]string{"phone": "200", "alias": "Bobby"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, env, http.MethodPost, "/contacts", aliceTok, map[string]string{"phone": "200"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, env, http.MethodGet, "/contacts", aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var contacts []models.Contact
	require.NoError(t, json.Unmarshal(body["contacts"], &contacts))
	require.Len(t, contacts, 1)
	assert.Equal(t, bob.ID, contacts[0].UserID)
	assert.Equal(t, "Bobby", contacts[0].Alias)
	assert.True(t, contacts[0].Online)
}

func TestPostMessageGoesThroughRelay(t *testing.T) {
	env := setupTestServer(t)
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, bobTok := env.createUser(t, "200", "Bob")
	bobConn := env.dial(t, bob.ID, bobTok)

	resp, body := doJSON(t, env, http.MethodPost, "/messages", aliceTok, map[string]any{"to": bob.ID, "content": "via rest"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m models.Message
	require.NoError(t, json.Unmarshal(body["message"], &m))
	assert.Equal(t, models.StateDelivered, m.Status)
	assert.Equal(t, alice.ID, m.SenderID)

	chat := readUntil(t, bobConn, protocol.TypeChat)
	assert.Equal(t, m.ID, chat.MessageID)

	resp, body = doJSON(t, env, http.MethodPost, "/messages", aliceTok, map[string]any{"to": bob.ID, "content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `"empty_content"`, string(body["code"]))

	resp, _ = doJSON(t, env, http.MethodPost, "/messages", aliceTok, map[string]any{"to": 999, "content": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBodiesNamingUsersRejected(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, _ := env.createUser(t, "200", "Bob")

	for _, field := range []string{"senderId", "sender_id", "receiverId", "receiver_id", "userId", "user_id"} {
		resp, body := doJSON(t, env, http.MethodPost, "/messages", aliceTok, map[string]any{
			"to": bob.ID, "content": "spoofed", field: bob.ID,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, field)
		assert.JSONEq(t, `"user_id_not_allowed"`, string(body["code"]), field)
	}
	for _, field := range []string{"caller_id", "callerId"} {
		resp, body := doJSON(t, env, http.MethodPost, "/calls", aliceTok, map[string]any{
			"callee_id": bob.ID, "status": "missed", field: bob.ID,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, field)
		assert.JSONEq(t, `"user_id_not_allowed"`, string(body["code"]), field)
	}

	msgs, err := env.db.GetMessages(ctx, alice.ID, bob.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	calls, err := env.db.GetCalls(ctx, alice.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestHistoryAPI(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice, aliceTok := env.createUser(t, "100", "Alice")
	bob, _ := env.createUser(t, "200", "Bob")

	for i := 0; i < 5; i++ {
		_, err := env.db.SaveMessage(ctx, alice.ID, bob.ID, "m"+strconv.Itoa(i))
		require.NoError(t, err)
	}
	_, err := env.db.SaveMessage(ctx, bob.ID, alice.ID, "reply")
	require.NoError(t, err)

	resp, body := doJSON(t, env, http.MethodGet, "/messages/"+strconv.FormatInt(bob.ID, 10)+"?offset=4&limit=10", aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(body["messages"], &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].Content)
	assert.Equal(t, "reply", msgs[1].Content)
	assert.Equal(t, models.StateQueued, msgs[1].Status)

	resp, _ = doJSON(t, env, http.MethodGet, "/messages/999", aliceTok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, env, http.MethodGet, "/messages/abc", aliceTok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallsAPI(t *testing.T) {
	env := setupTestServer(t)
	_, aliceTok := env.createUser(t, "100", "Alice")
	bob, _ := env.createUser(t, "200", "Bob")

	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	resp, _ := doJSON(t, env, http.MethodPost, "/calls", aliceTok, map[string]any{
		"callee_id": bob.ID, "status": "completed", "started_at": started,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, env, http.MethodPost, "/calls", aliceTok, map[string]any{"callee_id": bob.ID, "status": "missed"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, env, http.MethodGet, "/calls", aliceTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var calls []models.Call
	require.NoError(t, json.Unmarshal(body["calls"], &calls))
	require.Len(t, calls, 2)
	assert.Equal(t, "missed", calls[0].Status)
	require.NotNil(t, calls[1].StartedAt)
	assert.True(t, started.Equal(*calls[1].StartedAt))

	resp, _ = doJSON(t, env, http.MethodPost, "/calls", aliceTok, map[string]any{"callee_id": 999, "status": "missed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
