package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.NewStore()
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)

	hostHandler := NewHostHandler(store, store, quizRepo, nil, app.CoordinatorConfig{}, nil)
	playHandler := NewPlayHandler(store, store, quizRepo, app.DefaultScorePolicy())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/host", hostHandler.ServeWS)
	mux.HandleFunc("/ws/play", playHandler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHostDrivesSessionAndPlayerAnswers(t *testing.T) {
	server := newTestServer(t)

	host := dial(t, server, "/ws/host?quizId=quiz-1")
	_, lobby := readUntil(host, t, "session")
	code, _ := lobby["code"].(string)
	if code == "" {
		t.Fatalf("expected join code in lobby snapshot, got %v", lobby)
	}
	if lobby["phase"] != "lobby" {
		t.Fatalf("expected lobby phase, got %v", lobby["phase"])
	}

	play := dial(t, server, "/ws/play?code="+code+"&name=Alice")
	_, joined := readUntil(play, t, "joined")
	if joined["username"] != "Alice" {
		t.Fatalf("expected joined payload for Alice, got %v", joined)
	}

	if err := host.WriteJSON(map[string]any{"type": "advance"}); err != nil {
		t.Fatalf("write advance: %v", err)
	}
	_, question := readUntil(play, t, "question")
	if question["id"] != "q1" {
		t.Fatalf("expected question q1, got %v", question)
	}
	options, ok := question["options"].([]any)
	if !ok || len(options) != 3 {
		t.Fatalf("expected 3 public options, got %v", question["options"])
	}

	answer := map[string]any{
		"type": "answer",
		"payload": map[string]any{
			"questionId":  "q1",
			"optionIndex": 1,
		},
	}
	if err := play.WriteJSON(answer); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	_, result := readUntil(play, t, "answerResult")
	if result["accepted"] != true || result["correct"] != true {
		t.Fatalf("expected accepted correct answer, got %v", result)
	}

	if err := host.WriteJSON(map[string]any{"type": "advance"}); err != nil {
		t.Fatalf("write advance: %v", err)
	}
	_, poll := readUntil(play, t, "poll")
	if poll["totalParticipants"] != float64(1) || poll["totalResponses"] != float64(1) {
		t.Fatalf("unexpected poll: %v", poll)
	}

	if err := host.WriteJSON(map[string]any{"type": "advance"}); err != nil {
		t.Fatalf("write advance: %v", err)
	}
	_, board := readUntil(play, t, "leaderboard")
	entries, ok := board["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one leaderboard entry, got %v", board)
	}
	entry := entries[0].(map[string]any)
	if entry["username"] != "Alice" || entry["score"] == float64(0) {
		t.Fatalf("unexpected leaderboard entry: %v", entry)
	}

	if err := host.WriteJSON(map[string]any{"type": "advance"}); err != nil {
		t.Fatalf("write advance: %v", err)
	}
	for {
		_, snapshot := readUntil(host, t, "session")
		if snapshot["phase"] == "ended" {
			break
		}
	}
}

func TestSecondHostIsRejectedWhileLeaseHeld(t *testing.T) {
	server := newTestServer(t)

	host := dial(t, server, "/ws/host?quizId=quiz-1")
	_, lobby := readUntil(host, t, "session")
	sessionID, _ := lobby["id"].(string)
	if sessionID == "" {
		t.Fatalf("expected session id, got %v", lobby)
	}

	second := dial(t, server, "/ws/host?sessionId="+sessionID)
	typ, payload := readNext(second, t, "error")
	if typ != "error" {
		t.Fatalf("expected error frame, got %s", typ)
	}
	if payload["message"] == "" {
		t.Fatalf("expected error message, got %v", payload)
	}
}

func TestPlayRejectsUnknownCode(t *testing.T) {
	server := newTestServer(t)

	play := dial(t, server, "/ws/play?code=NOPE11&name=Alice")
	typ, _ := readNext(play, t, "error")
	if typ != "error" {
		t.Fatalf("expected error frame, got %s", typ)
	}
}

func TestMissingQueryParams(t *testing.T) {
	server := newTestServer(t)

	for _, path := range []string{"/ws/host", "/ws/play", "/ws/play?code=ABC234"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}

// readUntil skips frames of other types until one of the wanted type arrives.
func readUntil(conn *websocket.Conn, t *testing.T, want string) (string, map[string]any) {
	t.Helper()
	for i := 0; i < 10; i++ {
		typ, payload := readNext(conn, t, "")
		if typ == want {
			return typ, payload
		}
	}
	t.Fatalf("no %q frame within 10 messages", want)
	return "", nil
}

func sampleQuiz() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:               "q1",
					Prompt:           "What is 2 + 2?",
					Kind:             domain.QuestionMultipleChoice,
					Options:          []string{"3", "4", "5"},
					CorrectOption:    1,
					TimeLimitSeconds: 20,
				},
			},
		},
	}
}
