package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

// PlayHandler attaches a participant client: it joins the session by code,
// streams derived view events back, and accepts answer submissions.
type PlayHandler struct {
	sessions  app.SessionStore
	responses app.ResponseStore
	quizzes   app.QuizRepository
	policy    app.ScorePolicy
	upgrader  websocket.Upgrader
}

func NewPlayHandler(sessions app.SessionStore, responses app.ResponseStore, quizzes app.QuizRepository, policy app.ScorePolicy) *PlayHandler {
	return &PlayHandler{
		sessions:  sessions,
		responses: responses,
		quizzes:   quizzes,
		policy:    policy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the player connection and wires it into the participant
// view. Invalid joins (unknown code, finished session) come back as an error
// frame and the connection closes without creating anything.
func (h *PlayHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	name := r.URL.Query().Get("name")
	if code == "" || name == "" {
		http.Error(w, "missing code or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("play ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	view := app.NewParticipantView(h.sessions, h.responses, h.quizzes, h.policy, nil)
	participant, err := view.Join(r.Context(), code, name)
	if err != nil {
		_ = conn.WriteJSON(errorFrame(err.Error()))
		return
	}

	go func() {
		if err := view.Run(r.Context()); err != nil && r.Context().Err() == nil {
			log.Printf("participant view sync for %s: %v", participant.ID, err)
		}
	}()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("play ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case ev, ok := <-view.Events():
				if !ok {
					return
				}
				select {
				case send <- eventFrame(ev):
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "joined", Payload: participant}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var sub domain.AnswerSubmission
			if err := json.Unmarshal(inbound.Payload, &sub); err != nil {
				send <- errorFrame("invalid answer payload")
				continue
			}
			outcome, err := view.SubmitAnswer(r.Context(), sub)
			if err != nil {
				send <- errorFrame(err.Error())
				continue
			}
			send <- outboundMessage[any]{Type: "answerResult", Payload: outcome}
		default:
			send <- errorFrame("unsupported message type")
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func eventFrame(ev app.ViewEvent) outboundMessage[any] {
	switch ev.Type {
	case app.EventQuestion:
		return outboundMessage[any]{Type: "question", Payload: ev.Question}
	case app.EventPoll:
		return outboundMessage[any]{Type: "poll", Payload: ev.Poll}
	case app.EventLeaderboard:
		return outboundMessage[any]{Type: "leaderboard", Payload: ev.Leaderboard}
	default:
		return outboundMessage[any]{Type: "session", Payload: ev.Session}
	}
}
