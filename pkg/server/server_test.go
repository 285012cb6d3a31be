package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/sectoragent/pkg/agent"
	"github.com/nstogner/sectoragent/pkg/auth"
	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/memory"
	"github.com/nstogner/sectoragent/pkg/model"
	"github.com/nstogner/sectoragent/pkg/retrieval"
	"github.com/nstogner/sectoragent/pkg/store/sqlite"
	"github.com/nstogner/sectoragent/pkg/tools"
)

const (
	anaToken = "ana-token"
	bobToken = "bob-token"
)

type fakeProvider struct {
	mu       sync.Mutex
	err      error
	requests []model.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req model.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "Retail is growing steadily this year.", nil
}

func (f *fakeProvider) last() model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	store    *sqlite.Store
	memory   *memory.Store
	provider *fakeProvider
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	principals := map[string]auth.Principal{
		anaToken: {UserID: 1, Email: "ana@example.com", FullName: "Ana"},
		bobToken: {UserID: 2, Email: "bob@example.com", FullName: "Bob"},
	}
	for _, p := range principals {
		require.NoError(t, st.UpsertUser(ctx, &domain.User{ID: p.UserID, Email: p.Email, FullName: p.FullName, IsActive: true}))
	}

	index := retrieval.NewVectorIndex(retrieval.NewHashEmbedder(64), nil)
	mem := memory.New()
	provider := &fakeProvider{}
	ag, err := agent.New(agent.Config{Model: "test-model"}, agent.Deps{
		Memory:    mem,
		Provider:  provider,
		Retriever: index,
		Tools:     tools.NewRegistry(tools.Calculator{}, &tools.DatabaseQuery{DB: st}),
	})
	require.NoError(t, err)

	opts.Version = "test"
	srv := New(st, ag, mem, index, auth.NewStaticTokens(principals), opts)
	return &testEnv{srv: srv, handler: srv.Handler(), store: st, memory: mem, provider: provider}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, apiPrefix+path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) createConversation(t *testing.T, token string) domain.Conversation {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/agent/conversations", token, map[string]string{
		"title":  "Retail outlook",
		"sector": "retail",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Conversation](t, rec)
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "fake", body["provider"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))

	rec = env.do(t, http.MethodGet, "/health/db", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/system", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	system := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), system["database"].(map[string]any)["users"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/agent/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/conversations", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/conversations", anaToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{CORSOrigins: []string{"http://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, apiPrefix+"/agent/conversations", nil)
	req.Header.Set("Origin", "http://app.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, apiPrefix+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/agent/status", anaToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/agent/status", anaToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other callers have their own budget.
	rec = env.do(t, http.MethodGet, "/agent/status", bobToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConversations(t *testing.T) {
	env := newTestEnv(t, Options{})
	conv := env.createConversation(t, anaToken)
	assert.Equal(t, int64(1), conv.UserID)
	assert.Equal(t, domain.ConversationActive, conv.Status)

	_, ok := env.memory.Conversation(conv.ID)
	assert.True(t, ok, "conversation should be registered in memory")

	rec := env.do(t, http.MethodGet, "/agent/conversations", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Conversation](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/agent/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]domain.Conversation](t, rec))

	path := "/agent/conversations/" + itoa(conv.ID)
	rec = env.do(t, http.MethodGet, path, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/conversations/999", anaToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/conversations/abc", anaToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/status", anaToken, map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/status", anaToken, map[string]string{"status": "archived"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ConversationArchived, decode[domain.Conversation](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/agent/execute", anaToken, map[string]any{
		"conversation_id": conv.ID,
		"message":         "hello",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t, Options{})
	conv := env.createConversation(t, anaToken)

	rec := env.do(t, http.MethodPost, "/agent/execute", anaToken, map[string]any{
		"conversation_id": conv.ID,
		"message":         "How is retail doing?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[struct {
		MessageID      int64               `json:"message_id"`
		ConversationID int64               `json:"conversation_id"`
		Response       string              `json:"response"`
		TokensUsed     int                 `json:"tokens_used"`
		Metrics        domain.AgentMetrics `json:"metrics"`
	}](t, rec)
	assert.Equal(t, conv.ID, body.ConversationID)
	assert.Equal(t, "Retail is growing steadily this year.", body.Response)
	assert.Equal(t, body.Metrics.InputTokens+body.Metrics.OutputTokens, body.TokensUsed)
	assert.True(t, body.Metrics.IsSuccessful)
	assert.Equal(t, "retail", body.Metrics.Sector)

	system := env.provider.last().SystemPrompt
	assert.True(t, strings.HasPrefix(system, agent.DefaultSystemPrompt))
	assert.Contains(t, system, "- Name: Ana")
	assert.Contains(t, system, "- Email: ana@example.com")
	assert.Contains(t, system, "- Sector of interest: retail")

	ctx := context.Background()
	msgs, err := env.store.GetMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, body.MessageID, msgs[1].ID)
	assert.Equal(t, body.Metrics.ExecutionID, msgs[1].Metadata["execution_id"])

	history := env.memory.History(conv.ID, 0, true)
	require.Len(t, history, 2)
	assert.Equal(t, msgs[0].ID, history[0].ID)

	records, err := env.store.ListConversationMetrics(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].UserID)

	rec = env.do(t, http.MethodGet, "/agent/conversations/"+itoa(conv.ID), anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		Title    string           `json:"title"`
		Messages []domain.Message `json:"messages"`
	}](t, rec)
	assert.Equal(t, "Retail outlook", detail.Title)
	assert.Len(t, detail.Messages, 2)

	rec = env.do(t, http.MethodGet, "/agent/metrics/conversation/"+itoa(conv.ID), anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.AgentMetrics](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/agent/metrics/user?days=7", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[domain.TokenUsage](t, rec)
	assert.Equal(t, 1, usage.Executions)
	assert.Equal(t, body.TokensUsed, usage.TotalTokens)
}

func TestExecuteValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	conv := env.createConversation(t, anaToken)

	rec := env.do(t, http.MethodPost, "/agent/execute", anaToken, map[string]any{"conversation_id": conv.ID, "message": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/agent/execute", bobToken, map[string]any{"conversation_id": conv.ID, "message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteFailureStillRecordsMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.provider.err = errors.New("quota exceeded")
	conv := env.createConversation(t, anaToken)

	rec := env.do(t, http.MethodPost, "/agent/execute", anaToken, map[string]any{
		"conversation_id": conv.ID,
		"message":         "How is retail doing?",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec)["error"], "quota exceeded")

	ctx := context.Background()
	records, err := env.store.ListConversationMetrics(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].IsSuccessful)
	assert.Contains(t, records[0].ErrorMessage, "quota exceeded")

	n, err := env.store.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the user message is persisted")
}

func TestMemoryHydratedFromStorage(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	conv := &domain.Conversation{UserID: 1, Title: "Earlier"}
	require.NoError(t, env.store.CreateConversation(ctx, conv))
	require.NoError(t, env.store.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "What about farming?"}))
	require.NoError(t, env.store.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "Farming is stable."}))

	rec := env.do(t, http.MethodPost, "/agent/execute", anaToken, map[string]any{
		"conversation_id": conv.ID,
		"message":         "And retail?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, env.provider.last().Context, "User: What about farming?")
	assert.Len(t, env.memory.History(conv.ID, 0, true), 4)
}

func TestConcurrentHydrationSeesFullHistory(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	conv := &domain.Conversation{UserID: 1, Title: "Earlier"}
	require.NoError(t, env.store.CreateConversation(ctx, conv))
	for i := 0; i < 10; i++ {
		require.NoError(t, env.store.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "message " + strconv.Itoa(i)}))
	}

	var wg sync.WaitGroup
	seen := make([]int, 8)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.srv.hydrateMemory(ctx, conv); err != nil {
				t.Error(err)
				return
			}
			seen[i] = len(env.memory.History(conv.ID, 0, true))
		}()
	}
	wg.Wait()

	for _, n := range seen {
		assert.Equal(t, 10, n)
	}
	history := env.memory.History(conv.ID, 0, true)
	require.Len(t, history, 10)
	assert.Equal(t, "message 0", history[0].Content)
	assert.Equal(t, "message 9", history[9].Content)
}

func TestMemoryRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	conv := env.createConversation(t, anaToken)
	base := "/agent/conversations/" + itoa(conv.ID) + "/memory"

	env.memory.AddEntry(conv.ID, domain.RoleSystem, "Be brief.")
	env.memory.AddEntry(conv.ID, domain.RoleUser, "Tell me about retail margins")
	env.memory.AddEntry(conv.ID, domain.RoleAssistant, "Retail margins are thin.")

	rec := env.do(t, http.MethodGet, base+"/history?include_system=false", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, rec)["total"])

	rec = env.do(t, http.MethodGet, base+"/history?limit=x", anaToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/context?num_messages=2", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Previous conversation history:\nUser: Tell me about retail margins\nAssistant: Retail margins are thin.\n",
		decode[map[string]any](t, rec)["context"])

	rec = env.do(t, http.MethodGet, base+"/stats", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[memory.Statistics](t, rec)
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 1, stats.UserMessages)

	rec = env.do(t, http.MethodGet, base+"/search?q=MARGINS&role=assistant", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["total"])

	rec = env.do(t, http.MethodGet, base+"/search?q=margins&role=robot", anaToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/export?format=csv", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "conversation_id,role,content,timestamp"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	rec = env.do(t, http.MethodGet, base+"/export?format=xml", anaToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/oldest?days=1", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["total"])

	rec = env.do(t, http.MethodPost, base+"/cleanup?days=-1", anaToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/cleanup?days=1", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["removed"])

	rec = env.do(t, http.MethodGet, "/agent/memory/stats", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[memory.MemoryStats](t, rec).TotalEntries)

	rec = env.do(t, http.MethodDelete, base, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, base, anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["cleared"])
	assert.Empty(t, env.memory.History(conv.ID, 0, true))
}

func TestTools(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/agent/tools", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decode[[]tools.Definition](t, rec)
	require.Len(t, defs, 2)

	rec = env.do(t, http.MethodPost, "/agent/tools/calculator", anaToken, map[string]any{
		"input": map[string]any{"expression": "2 + 3 * 4"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "14", out["output"])

	rec = env.do(t, http.MethodPost, "/agent/tools/database_query", anaToken, map[string]any{
		"input": map[string]any{"query": "DELETE FROM users"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["success"])

	rec = env.do(t, http.MethodPost, "/agent/tools/weather", anaToken, map[string]any{"input": map[string]any{}})
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode[map[string]any](t, rec)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "tool not found: weather", out["output"])
}

func TestDocuments(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/agent/documents", anaToken, map[string]any{
		"documents": []map[string]any{
			{"id": "retail-1", "content": "retail sales grew in the third quarter", "metadata": map[string]string{"sector": "retail"}},
			{"id": "farm-1", "content": "retail sales grew in the third quarter", "metadata": map[string]string{"sector": "farming"}},
			{"content": "steel output fell sharply"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[map[string]any](t, rec)
	assert.Equal(t, float64(3), added["added"])

	rec = env.do(t, http.MethodPost, "/agent/documents", anaToken, map[string]any{
		"documents": []map[string]any{{"content": " "}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/documents/search?q=retail+sales+grew+in+the+third+quarter&sector=retail", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[struct {
		Results []domain.SearchResult `json:"results"`
	}](t, rec)
	require.Len(t, found.Results, 1)
	assert.Equal(t, "retail-1", found.Results[0].ID)
	assert.InDelta(t, 1.0, found.Results[0].Score, 1e-4)

	rec = env.do(t, http.MethodGet, "/agent/documents/search?q=x&threshold=2", anaToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/documents/stats", anaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[retrieval.Stats](t, rec).TotalDocuments)

	rec = env.do(t, http.MethodDelete, "/agent/documents/retail-1", anaToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/agent/documents/stats", anaToken, nil)
	assert.Equal(t, 2, decode[retrieval.Stats](t, rec).TotalDocuments)
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	conv := env.createConversation(t, anaToken)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + apiPrefix + "/agent/conversations/" + itoa(conv.ID) + "/chat"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer " + anaToken}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"content": "How is retail doing?"}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []domain.Message
	for len(got) < 2 {
		var m domain.Message
		require.NoError(t, ws.ReadJSON(&m))
		got = append(got, m)
	}
	assert.Equal(t, domain.RoleUser, got[0].Role)
	assert.Equal(t, "How is retail doing?", got[0].Content)
	assert.Equal(t, domain.RoleAssistant, got[1].Role)
	assert.Equal(t, "Retail is growing steadily this year.", got[1].Content)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
