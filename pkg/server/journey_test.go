package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefeshin/hush/pkg/database"
	"github.com/thefeshin/hush/pkg/protocol"
)

// ---------------------------------------------------------------------------
// Fixture: a full server behind httptest, with REST and websocket clients
// ---------------------------------------------------------------------------

type journeyServer struct {
	srv  *Server
	db   *database.DB
	http *httptest.Server
}

func newJourneyServer(t *testing.T) *journeyServer {
	return newJourneyServerWithConfig(t, nil)
}

func newJourneyServerWithConfig(t *testing.T, mutate func(*ServerConfig)) *journeyServer {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "hush.db"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.JWTSecret = "journey-test-secret-do-not-reuse"
	cfg.BcryptCost = 4 // MinCost; production cost makes the suite crawl
	// Generous buckets: the journeys hammer the API from one IP
	cfg.RESTBucketCapacity = 1000
	cfg.AuthBucketCapacity = 100
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg, db, dir)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.secureMiddleware(srv.publicMux()))
	t.Cleanup(func() {
		ts.Close()
		for _, c := range srv.registry.Snapshot() {
			srv.registry.Unregister(c.ID)
		}
		srv.wg.Wait()
		db.Close()
	})
	return &journeyServer{srv: srv, db: db, http: ts}
}

type account struct {
	UserID string
	Token  string
}

// register creates an account over the REST API and returns its credentials
func (js *journeyServer) register(t *testing.T, username string) account {
	t.Helper()
	resp := js.post(t, "/api/auth/register", "", map[string]string{
		"username": username,
		"password": "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, resp.status, "register %s: %s", username, resp.raw)
	return account{UserID: resp.body["user_id"].(string), Token: resp.body["token"].(string)}
}

type restResponse struct {
	status int
	body   map[string]interface{}
	raw    string
}

func (js *journeyServer) post(t *testing.T, path, token string, body interface{}) restResponse {
	t.Helper()
	return js.request(t, http.MethodPost, path, token, body)
}

func (js *journeyServer) request(t *testing.T, method, path, token string, body interface{}) restResponse {
	t.Helper()
	return js.requestWithHeaders(t, method, path, token, nil, body)
}

func (js *journeyServer) requestWithHeaders(t *testing.T, method, path, token string, headers map[string]string, body interface{}) restResponse {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, js.http.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := js.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	raw.ReadFrom(resp.Body)
	decoded := map[string]interface{}{}
	json.Unmarshal(raw.Bytes(), &decoded)
	return restResponse{status: resp.StatusCode, body: decoded, raw: raw.String()}
}

// ---------------------------------------------------------------------------
// Websocket client
// ---------------------------------------------------------------------------

type wsClient struct {
	ws *websocket.Conn
}

func (js *journeyServer) connect(t *testing.T, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(js.http.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wsClient{ws: ws}
}

func (c *wsClient) send(t *testing.T, frame map[string]interface{}) {
	t.Helper()
	require.NoError(t, c.ws.WriteJSON(frame))
}

// expect reads frames until one of the wanted type arrives, skipping
// heartbeats. Anything else arriving first is a test failure.
func (c *wsClient) expect(t *testing.T, frameType string) map[string]interface{} {
	t.Helper()
	for {
		c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := c.ws.ReadMessage()
		require.NoError(t, err, "waiting for %q frame", frameType)

		frame := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(data, &frame))
		got, _ := frame["type"].(string)
		if got == protocol.TypeHeartbeat {
			continue
		}
		require.Equal(t, frameType, got, "unexpected frame: %s", data)
		return frame
	}
}

func (c *wsClient) expectError(t *testing.T, code string) map[string]interface{} {
	t.Helper()
	frame := c.expect(t, protocol.TypeError)
	require.Equal(t, code, frame["code"], "error frame: %v", frame)
	return frame
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func ivB64() string {
	return base64.StdEncoding.EncodeToString(make([]byte, protocol.IVBytes))
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

// First contact: a brand-new conversation id plus a recipient creates the
// conversation under the client-chosen id and delivers to both sides with no
// prior subscribe.
func TestJourneyFirstContact(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")

	aliceWS := js.connect(t, alice.Token)
	bobWS := js.connect(t, bob.Token)

	convID := uuid.NewString()
	clientMsgID := uuid.NewString()
	aliceWS.send(t, map[string]interface{}{
		"type":              protocol.TypeMessage,
		"conversation_id":   convID,
		"recipient_id":      bob.UserID,
		"client_message_id": clientMsgID,
		"ciphertext":        b64("opaque to the relay"),
		"iv":                ivB64(),
	})

	// Alice's own connection was auto-subscribed, so the broadcast lands
	// there before the ack
	event := aliceWS.expect(t, protocol.TypeMessage)
	assert.Equal(t, convID, event["conversation_id"])
	assert.Equal(t, alice.UserID, event["sender_id"])

	ack := aliceWS.expect(t, protocol.TypeMessageSent)
	assert.Equal(t, clientMsgID, ack["client_message_id"])
	assert.Equal(t, convID, ack["conversation_id"])

	received := bobWS.expect(t, protocol.TypeMessage)
	assert.Equal(t, b64("opaque to the relay"), received["ciphertext"], "ciphertext passes through untouched")
	assert.Equal(t, ivB64(), received["iv"])
	assert.Equal(t, alice.UserID, received["sender_id"])

	// The conversation now exists under the id alice chose
	conv, err := js.db.GetConversation(convID)
	require.NoError(t, err)
	assert.Equal(t, "direct", conv.Kind)
}

func TestJourneySeenReceipt(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")

	aliceWS := js.connect(t, alice.Token)
	bobWS := js.connect(t, bob.Token)

	convID := uuid.NewString()
	aliceWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": convID,
		"recipient_id":    bob.UserID,
		"ciphertext":      b64("hello"),
		"iv":              ivB64(),
	})
	aliceWS.expect(t, protocol.TypeMessage)
	aliceWS.expect(t, protocol.TypeMessageSent)
	msg := bobWS.expect(t, protocol.TypeMessage)
	msgID := msg["id"].(string)

	bobWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessageSeen,
		"conversation_id": convID,
		"message_id":      msgID,
	})

	seen := aliceWS.expect(t, protocol.TypeMessageSeenEvent)
	assert.Equal(t, msgID, seen["message_id"])
	assert.Equal(t, bob.UserID, seen["seen_by"])
	assert.Equal(t, float64(1), seen["seen_count"])
	assert.Equal(t, float64(1), seen["total_recipients"])
	assert.Equal(t, true, seen["all_recipients_seen"])

	// Bob never learns whether a guessed id exists
	bobWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessageSeen,
		"conversation_id": convID,
		"message_id":      uuid.NewString(),
	})
	bobWS.expect(t, protocol.TypeMessageSeenEvent) // his own receipt broadcast first
	bobWS.expectError(t, protocol.ErrCodeSeenFailed)
}

func TestJourneySubscribeAndPing(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")
	mallory := js.register(t, "mallory")

	aliceWS := js.connect(t, alice.Token)

	convID := uuid.NewString()
	aliceWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": convID,
		"recipient_id":    bob.UserID,
		"ciphertext":      b64("x"),
		"iv":              ivB64(),
	})
	aliceWS.expect(t, protocol.TypeMessage)
	aliceWS.expect(t, protocol.TypeMessageSent)

	// Re-subscribe on a fresh connection
	aliceWS2 := js.connect(t, alice.Token)
	aliceWS2.send(t, map[string]interface{}{"type": protocol.TypeSubscribe, "conversation_id": convID})
	sub := aliceWS2.expect(t, protocol.TypeSubscribed)
	assert.Equal(t, convID, sub["conversation_id"])

	aliceWS2.send(t, map[string]interface{}{"type": protocol.TypeUnsubscribe, "conversation_id": convID})
	aliceWS2.expect(t, protocol.TypeUnsubscribed)

	aliceWS2.send(t, map[string]interface{}{"type": protocol.TypePing})
	aliceWS2.expect(t, protocol.TypePong)

	aliceWS2.send(t, map[string]interface{}{"type": "frobnicate"})
	aliceWS2.expectError(t, protocol.ErrCodeUnknownType)

	// Outsiders can't subscribe to someone else's conversation
	malloryWS := js.connect(t, mallory.Token)
	malloryWS.send(t, map[string]interface{}{"type": protocol.TypeSubscribe, "conversation_id": convID})
	malloryWS.expectError(t, protocol.ErrCodeNotParticipant)

	// subscribe_user reattaches everything alice participates in
	aliceWS3 := js.connect(t, alice.Token)
	aliceWS3.send(t, map[string]interface{}{"type": protocol.TypeSubscribeUser})
	bulk := aliceWS3.expect(t, protocol.TypeUserSubscribed)
	assert.Equal(t, float64(1), bulk["conversation_count"])
}

// A group membership change rotates the epoch; messages encrypted under the
// old epoch are rejected without being stored.
func TestJourneyStaleGroupEpoch(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")
	carol := js.register(t, "carol")

	envelope := func(userID string) map[string]string {
		return map[string]string{"user_id": userID, "encrypted_key": b64("wrapped-key-for-" + userID)}
	}

	created := js.post(t, "/api/groups", alice.Token, map[string]interface{}{
		"name":       "book club",
		"member_ids": []string{bob.UserID},
		"key_envelopes": []map[string]string{
			envelope(alice.UserID), envelope(bob.UserID),
		},
	})
	require.Equal(t, http.StatusCreated, created.status, created.raw)
	groupID := created.body["id"].(string)
	require.Equal(t, float64(1), created.body["key_epoch"])

	// Adding carol bumps the epoch to 2
	added := js.post(t, fmt.Sprintf("/api/groups/%s/members", groupID), alice.Token, map[string]interface{}{
		"user_id": carol.UserID,
		"key_envelopes": []map[string]string{
			envelope(alice.UserID), envelope(bob.UserID), envelope(carol.UserID),
		},
	})
	require.Equal(t, http.StatusOK, added.status, added.raw)
	require.Equal(t, float64(2), added.body["key_epoch"])

	// Promoting bob is an owner-only call and rotates the epoch to 3
	allEnvelopes := []map[string]string{
		envelope(alice.UserID), envelope(bob.UserID), envelope(carol.UserID),
	}
	promoted := js.request(t, http.MethodPatch, fmt.Sprintf("/api/groups/%s/members/%s", groupID, bob.UserID), alice.Token, map[string]interface{}{
		"role": "admin", "key_envelopes": allEnvelopes,
	})
	require.Equal(t, http.StatusOK, promoted.status, promoted.raw)
	require.Equal(t, float64(3), promoted.body["key_epoch"])
	denied := js.request(t, http.MethodPatch, fmt.Sprintf("/api/groups/%s/members/%s", groupID, carol.UserID), bob.Token, map[string]interface{}{
		"role": "admin", "key_envelopes": allEnvelopes,
	})
	require.Equal(t, http.StatusForbidden, denied.status)

	aliceWS := js.connect(t, alice.Token)
	aliceWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": groupID,
		"group_epoch":     2,
		"ciphertext":      b64("under the rotated key"),
		"iv":              ivB64(),
	})
	aliceWS.expectError(t, protocol.ErrCodeStaleGroupEpoch)

	msgs, err := js.db.ListMessages(groupID, alice.UserID, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a stale-epoch message is never persisted")

	aliceWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": groupID,
		"group_epoch":     3,
		"ciphertext":      b64("under the current key"),
		"iv":              ivB64(),
	})
	ack := aliceWS.expect(t, protocol.TypeMessageSent)
	assert.Equal(t, groupID, ack["conversation_id"])
}

func TestJourneyAuthFailuresLeadToBlock(t *testing.T) {
	js := newJourneyServer(t)
	js.register(t, "alice")

	for i := 0; i < js.srv.config.MaxAuthFailures; i++ {
		resp := js.post(t, "/api/auth/login", "", map[string]string{
			"username": "alice",
			"password": "wrong password",
		})
		require.Equal(t, http.StatusUnauthorized, resp.status)
	}

	// The IP is now blocked: even valid credentials are refused
	resp := js.post(t, "/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "correct horse battery staple",
	})
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestJourneyMessageListing(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")

	aliceWS := js.connect(t, alice.Token)
	convID := uuid.NewString()
	for i := 0; i < 3; i++ {
		aliceWS.send(t, map[string]interface{}{
			"type":            protocol.TypeMessage,
			"conversation_id": convID,
			"recipient_id":    bob.UserID,
			"ciphertext":      b64(fmt.Sprintf("message %d", i)),
			"iv":              ivB64(),
		})
		aliceWS.expect(t, protocol.TypeMessage)
		aliceWS.expect(t, protocol.TypeMessageSent)
	}

	resp := js.request(t, http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages", convID), bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	msgs := resp.body["messages"].([]interface{})
	require.Len(t, msgs, 3)
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, b64("message 0"), first["ciphertext"], "oldest first")

	// Outsiders see 404, not 403
	mallory := js.register(t, "mallory")
	denied := js.request(t, http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages", convID), mallory.Token, nil)
	assert.Equal(t, http.StatusNotFound, denied.status)
}

func TestJourneyTokenRefreshAndBadToken(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")

	refreshed := js.post(t, "/api/auth/refresh", alice.Token, nil)
	require.Equal(t, http.StatusOK, refreshed.status, refreshed.raw)
	assert.Equal(t, alice.UserID, refreshed.body["user_id"])
	assert.NotEmpty(t, refreshed.body["token"])

	denied := js.post(t, "/api/auth/refresh", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, denied.status)

	// Websocket handshakes reject bad tokens before upgrading
	url := "ws" + strings.TrimPrefix(js.http.URL, "http") + "/ws?token=not-a-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// A seen receipt only ever lands in the conversation the message actually
// belongs to; naming someone else's conversation is rejected outright.
func TestJourneySeenReceiptStaysInConversation(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")
	carol := js.register(t, "carol")
	dave := js.register(t, "dave")

	aliceWS := js.connect(t, alice.Token)
	bobWS := js.connect(t, bob.Token)
	carolWS := js.connect(t, carol.Token)
	daveWS := js.connect(t, dave.Token)

	convAB := uuid.NewString()
	aliceWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": convAB,
		"recipient_id":    bob.UserID,
		"ciphertext":      b64("for bob"),
		"iv":              ivB64(),
	})
	aliceWS.expect(t, protocol.TypeMessage)
	aliceWS.expect(t, protocol.TypeMessageSent)
	msg := bobWS.expect(t, protocol.TypeMessage)
	msgID := msg["id"].(string)

	convCD := uuid.NewString()
	carolWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": convCD,
		"recipient_id":    dave.UserID,
		"ciphertext":      b64("for dave"),
		"iv":              ivB64(),
	})
	carolWS.expect(t, protocol.TypeMessage)
	carolWS.expect(t, protocol.TypeMessageSent)
	daveWS.expect(t, protocol.TypeMessage)

	// Bob names carol and dave's conversation but his own message id
	bobWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessageSeen,
		"conversation_id": convCD,
		"message_id":      msgID,
	})
	bobWS.expectError(t, protocol.ErrCodeSeenFailed)

	// Nothing leaked into the other conversation: carol's next frame is
	// her pong, not a stray receipt
	carolWS.send(t, map[string]interface{}{"type": protocol.TypePing})
	carolWS.expect(t, protocol.TypePong)

	// The receipt still works where the message actually lives
	bobWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessageSeen,
		"conversation_id": convAB,
		"message_id":      msgID,
	})
	seen := aliceWS.expect(t, protocol.TypeMessageSeenEvent)
	assert.Equal(t, convAB, seen["conversation_id"])
	assert.Equal(t, msgID, seen["message_id"])
	assert.Equal(t, float64(1), seen["seen_count"])
}

// Rotating X-Forwarded-For must not mint fresh identities: with proxy
// trust off (the default) the defense engine keys on the socket peer.
func TestJourneyForwardedForCannotEvadeBlock(t *testing.T) {
	js := newJourneyServerWithConfig(t, func(cfg *ServerConfig) {
		cfg.MaxAuthFailures = 2
	})
	js.register(t, "alice")

	for i := 0; i < 2; i++ {
		resp := js.requestWithHeaders(t, http.MethodPost, "/api/auth/login", "",
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)},
			map[string]string{"username": "alice", "password": "wrong password"})
		require.Equal(t, http.StatusUnauthorized, resp.status)
	}

	// A third identity in the header changes nothing; the real peer is
	// what got blocked
	resp := js.requestWithHeaders(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"X-Forwarded-For": "198.51.100.99"},
		map[string]string{"username": "alice", "password": "correct horse battery staple"})
	assert.Equal(t, http.StatusForbidden, resp.status)

	// And none of the spoofed addresses picked up a block row
	for _, spoofed := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.99"} {
		block, err := js.db.GetIPBlock(spoofed)
		require.NoError(t, err)
		assert.Nil(t, block, "spoofed address %s must not be blocked", spoofed)
	}
}

// A frame over the wire cap drops the connection before any buffering or
// JSON parsing happens.
func TestJourneyOversizedFrameDisconnects(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	ws := js.connect(t, alice.Token)

	huge := bytes.Repeat([]byte("a"), protocol.MaxFrameBytes+1024)
	require.NoError(t, ws.ws.WriteMessage(websocket.TextMessage, huge))

	ws.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ws.ReadMessage()
	require.Error(t, err, "the relay drops the connection instead of buffering the frame")

	require.Eventually(t, func() bool {
		return js.srv.registry.ConnectionCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSubscribeAllLogsSkippedConversation(t *testing.T) {
	js := newJourneyServer(t)
	alice := js.register(t, "alice")
	bob := js.register(t, "bob")

	aliceWS := js.connect(t, alice.Token)
	aliceWS.send(t, map[string]interface{}{
		"type":            protocol.TypeMessage,
		"conversation_id": uuid.NewString(),
		"recipient_id":    bob.UserID,
		"ciphertext":      b64("x"),
		"iv":              ivB64(),
	})
	aliceWS.expect(t, protocol.TypeMessage)
	aliceWS.expect(t, protocol.TypeMessageSent)

	conns := js.srv.registry.Snapshot()
	require.Len(t, conns, 1)
	c := conns[0]

	var buf bytes.Buffer
	prev := errorLog.Writer()
	errorLog.SetOutput(&buf)
	defer errorLog.SetOutput(prev)

	// Yank the connection out from under subscribe-all; the skipped
	// conversation must show up in the error log instead of vanishing
	js.srv.registry.Unregister(c.ID)
	js.srv.handleSubscribeUser(c)

	assert.Contains(t, buf.String(), "Subscribe-all skipped conversation")
}
