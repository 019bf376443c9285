package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/convergent/chatservice/pkg/api"
	"github.com/convergent/chatservice/pkg/cleanup"
	myMiddleware "github.com/convergent/chatservice/pkg/middleware"
	"github.com/convergent/chatservice/pkg/repository"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "hook-secret"

// tokenVerifier accepts any token other than "bad" and treats it as the uid.
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	if idToken == "bad" {
		return nil, errors.New("token has expired")
	}
	return &auth.Token{UID: idToken}, nil
}

type testServer struct {
	*Server
	store *repository.MemoryStore
	http  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	repo := api.NewRepository(store)
	search := api.NewSearchSync(nil)
	engine := cleanup.NewEngine(store, cleanup.NewBulkDeleter(store, 4), search, nil, nil)
	server := NewServer(chi.NewRouter(), ":0", testSecret, Services{
		Repo:     repo,
		Users:    api.NewUserService(repo, nil, search),
		Chat:     api.NewChatService(repo, nil),
		Engine:   engine,
		Verifier: tokenVerifier{},
	})
	engine.AfterDelete = server.AccountDeleted
	go server.Hub().Run()

	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return &testServer{Server: server, store: store, http: ts}
}

func (s *testServer) do(t *testing.T, method string, path string, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(myMiddleware.HookSecretHeader, testSecret)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func (s *testServer) signUp(t *testing.T, uid string) {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/hooks/auth/create", "", map[string]string{
		"uid":   uid,
		"email": uid + "@example.com",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusOf(api.NotFound("x")))
	assert.Equal(t, http.StatusBadRequest, StatusOf(api.Validation("x")))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(api.Transient("x", nil)))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(api.DataIntegrity("x")))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("x")))
}

func TestServer_Authentication(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/chat/conversation", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = s.do(t, http.MethodGet, "/user/profile", "bad", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	req, err := http.NewRequest(http.MethodPost, s.http.URL+"/hooks/auth/create", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set(myMiddleware.HookSecretHeader, "guess")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// Tokens are also accepted as a query parameter.
	s.signUp(t, "alice")
	status, body := s.do(t, http.MethodGet, "/user/profile?token=alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", decode[api.User](t, body).Username)
}

func TestServer_Conversation(t *testing.T) {
	s := newTestServer(t)
	for _, uid := range []string{"alice", "bob", "carol"} {
		s.signUp(t, uid)
	}

	status, body := s.do(t, http.MethodPost, "/chat/conversation", "alice", map[string]string{"recipientId": "bob"})
	require.Equal(t, http.StatusCreated, status, string(body))
	pointer := decode[api.ConversationPointer](t, body)
	cid := pointer.ConversationId
	base := "/chat/conversation/" + cid

	status, body = s.do(t, http.MethodPost, base+"/messages", "alice", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, status, string(body))
	result := decode[messageResult](t, body)
	assert.Nil(t, result.Error)
	assert.Equal(t, "hello", result.Message.Text)

	status, body = s.do(t, http.MethodGet, base+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]api.Message](t, body), 1)

	status, body = s.do(t, http.MethodPost, base+"/messages/"+result.Message.Id+"/reaction", "bob", map[string]string{"reaction": "love"})
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Equal(t, api.Love, decode[messageResult](t, body).Message.Reaction)

	status, _ = s.do(t, http.MethodPut, base+"/typing", "bob", map[string]bool{"typing": true})
	assert.Equal(t, http.StatusNoContent, status)

	status, body = s.do(t, http.MethodGet, base, "alice", nil)
	require.Equal(t, http.StatusOK, status)
	conversation := decode[api.Conversation](t, body)
	assert.Equal(t, 1, conversation.MessageCount)
	assert.True(t, conversation.UsersTyping["bob"])

	status, body = s.do(t, http.MethodGet, "/chat/conversation", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	pointers := decode[[]api.ConversationPointer](t, body)
	require.Len(t, pointers, 1)
	assert.Equal(t, "bob loved a message.", pointers[0].ActivityMessage)

	t.Run("outsiders see nothing", func(t *testing.T) {
		status, body := s.do(t, http.MethodGet, base, "carol", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, api.CodeNotFound, decode[api.Error](t, body).Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		status, _ := s.do(t, http.MethodPost, "/chat/conversation", "alice", `{"recipient":"bob"}`)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("pointer failures still return the message", func(t *testing.T) {
		s.store.SetHook(func(op string, path string) error {
			if op == repository.OpUpdate && strings.Contains(path, "/"+api.ConversationCol+"/") {
				return api.Transient("unavailable", nil)
			}
			return nil
		})
		defer s.store.SetHook(nil)

		status, body := s.do(t, http.MethodPost, base+"/messages", "bob", map[string]string{"text": "still here"})
		require.Equal(t, http.StatusCreated, status, string(body))
		result := decode[messageResult](t, body)
		assert.Equal(t, "still here", result.Message.Text)
		require.NotNil(t, result.Error)
		assert.Equal(t, api.CodeTransientIO, result.Error.Code)
	})
}

func TestServer_Profile(t *testing.T) {
	s := newTestServer(t)
	s.signUp(t, "alice")

	status, body := s.do(t, http.MethodPatch, "/user/profile", "alice", `[{"op":"add","path":"/name","value":"Alice"}]`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "Alice", *decode[api.User](t, body).Name)

	status, _ = s.do(t, http.MethodPatch, "/user/profile", "alice", `[{"op":"remove","path":"/name"}]`)
	assert.Equal(t, http.StatusBadRequest, status)

	// Uploads need a blob backend.
	status, _ = s.do(t, http.MethodPut, "/user/profile/image", "alice", "png")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodGet, "/user/search/ali", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, body = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "chatservice_cleanup_documents_deleted_total")
}

type wsEvent struct {
	RequestType    int             `json:"requestType"`
	SubscriptionId string          `json:"subscriptionId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Error          *api.Error      `json:"error"`
}

type wsClient struct {
	conn    *websocket.Conn
	pending []wsEvent
}

func (s *testServer) dial(t *testing.T, uid string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/chat/ws?uid=" + uid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, ev api.IncomingEvent) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(ev))
}

// await reads events until one satisfies match. Several events may share a
// frame, one per line.
func (c *wsClient) await(t *testing.T, match func(wsEvent) bool) wsEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		for len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			if match(ev) {
				return ev
			}
		}
		require.NoError(t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			c.pending = append(c.pending, decode[wsEvent](t, line))
		}
	}
}

// closed waits for the server to drop the connection.
func (c *wsClient) closed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

func TestServer_Websocket(t *testing.T) {
	s := newTestServer(t)
	s.signUp(t, "alice")
	s.signUp(t, "bob")

	t.Run("token must match the uid", func(t *testing.T) {
		ws := s.dial(t, "alice")
		ws.send(t, api.IncomingEvent{RequestType: api.Authenticate, Token: "bob"})
		ws.closed(t)
	})

	t.Run("requests before authenticating are refused", func(t *testing.T) {
		ws := s.dial(t, "alice")
		ws.send(t, api.IncomingEvent{RequestType: api.SubscribeUser, SubscriptionId: "me"})
		ev := ws.await(t, func(ev wsEvent) bool { return ev.RequestType == api.SubscribeUser })
		assert.Equal(t, "error", ev.Kind)
		assert.Equal(t, api.CodeValidation, ev.Error.Code)
	})

	ws := s.dial(t, "alice")
	ws.send(t, api.IncomingEvent{RequestType: api.Authenticate, Token: "alice"})
	ev := ws.await(t, func(ev wsEvent) bool { return ev.RequestType == api.Authenticate })
	require.Equal(t, "result", ev.Kind)
	assert.Equal(t, "alice", decode[api.User](t, ev.Payload).Id)
	require.Eventually(t, func() bool { return s.Hub().Connected("alice") == 1 }, time.Second, 10*time.Millisecond)

	ws.send(t, api.IncomingEvent{RequestType: api.SubscribeUser, SubscriptionId: "me"})
	ev = ws.await(t, func(ev wsEvent) bool { return ev.SubscriptionId == "me" && ev.Kind == "snapshot" })
	assert.Equal(t, "alice@example.com", decode[map[string]interface{}](t, ev.Payload)["email"])

	ws.send(t, api.IncomingEvent{RequestType: api.SubscribeUser, SubscriptionId: "peer", RecipientId: "bob"})
	ev = ws.await(t, func(ev wsEvent) bool { return ev.SubscriptionId == "peer" && ev.Kind == "snapshot" })
	peer := decode[map[string]interface{}](t, ev.Payload)
	assert.Equal(t, "bob", peer["username"])
	assert.NotContains(t, peer, "email")

	ws.send(t, api.IncomingEvent{RequestType: api.SubscribeConversationPointers, SubscriptionId: "sidebar"})
	ws.await(t, func(ev wsEvent) bool { return ev.SubscriptionId == "sidebar" && ev.Kind == "snapshot" })

	status, body := s.do(t, http.MethodPost, "/chat/conversation", "bob", map[string]string{"recipientId": "alice"})
	require.Equal(t, http.StatusCreated, status)
	cid := decode[api.ConversationPointer](t, body).ConversationId
	status, _ = s.do(t, http.MethodPost, "/chat/conversation/"+cid+"/messages", "bob", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, status)

	ev = ws.await(t, func(ev wsEvent) bool {
		if ev.SubscriptionId != "sidebar" || ev.Kind != "snapshot" {
			return false
		}
		return len(decode[[]api.ConversationPointer](t, ev.Payload)) == 1
	})
	sidebar := decode[[]api.ConversationPointer](t, ev.Payload)
	assert.Equal(t, "hello", sidebar[0].ActivityMessage)
	assert.Equal(t, "bob", sidebar[0].Recipient.Id)

	ws.send(t, api.IncomingEvent{RequestType: api.SubscribeMessages, SubscriptionId: "thread", ConversationId: cid})
	ws.await(t, func(ev wsEvent) bool { return ev.SubscriptionId == "thread" && ev.Kind == "snapshot" })

	ws.send(t, api.IncomingEvent{RequestType: api.AddMessage, ConversationId: cid, Text: "hi bob"})
	ev = ws.await(t, func(ev wsEvent) bool { return ev.RequestType == api.AddMessage })
	require.Equal(t, "result", ev.Kind)
	assert.Equal(t, "hi bob", decode[api.Message](t, ev.Payload).Text)

	ws.await(t, func(ev wsEvent) bool {
		return ev.SubscriptionId == "thread" && ev.Kind == "snapshot" && len(decode[[]api.Message](t, ev.Payload)) == 2
	})

	status, _ = s.do(t, http.MethodDelete, "/user/", "alice", nil)
	require.Equal(t, http.StatusAccepted, status)
	s.deletions.Wait()
	ws.closed(t)

	for _, path := range s.store.Paths() {
		assert.False(t, strings.HasPrefix(path, api.UserPath("alice")), path)
		assert.NotContains(t, path, cid)
	}
	require.Eventually(t, func() bool { return s.Hub().Connected("alice") == 0 }, time.Second, 10*time.Millisecond)
}
