package http

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

// HostHandler attaches the host client to a session coordinator over a
// websocket. The host drives phase advances; session snapshots flow back
// from the store's change feed.
type HostHandler struct {
	sessions  app.SessionStore
	responses app.ResponseStore
	quizzes   app.QuizRepository
	archiver  app.Archiver
	cfg       app.CoordinatorConfig
	// watch registers a session with the server-side watchdog; nil disables it.
	watch    func(sessionID string)
	upgrader websocket.Upgrader
}

func NewHostHandler(sessions app.SessionStore, responses app.ResponseStore, quizzes app.QuizRepository, archiver app.Archiver, cfg app.CoordinatorConfig, watch func(sessionID string)) *HostHandler {
	return &HostHandler{
		sessions:  sessions,
		responses: responses,
		quizzes:   quizzes,
		archiver:  archiver,
		cfg:       cfg,
		watch:     watch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the host connection. quizId starts a fresh session;
// sessionId reattaches to a running one.
func (h *HostHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	sessionID := r.URL.Query().Get("sessionId")
	if quizID == "" && sessionID == "" {
		http.Error(w, "missing quizId or sessionId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("host ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	coord := app.NewCoordinator(h.sessions, h.responses, h.quizzes, h.archiver, h.cfg)
	var session domain.Session
	if sessionID != "" {
		session, err = coord.Attach(r.Context(), sessionID)
	} else {
		session, err = coord.StartSession(r.Context(), quizID)
	}
	if err != nil {
		_ = conn.WriteJSON(errorFrame(err.Error()))
		return
	}
	defer coord.Close(context.Background())

	if h.watch != nil {
		h.watch(session.ID)
	}

	updates, cancelWatch, err := h.sessions.WatchSession(r.Context(), session.ID)
	if err != nil {
		_ = conn.WriteJSON(errorFrame(err.Error()))
		return
	}
	defer cancelWatch()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("host ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case snapshot, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "session", Payload: snapshot}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "advance":
			if _, err := coord.Advance(r.Context()); err != nil {
				send <- errorFrame(err.Error())
			}
		case "recover":
			if _, _, err := coord.Recover(r.Context()); err != nil {
				send <- errorFrame(err.Error())
			}
		case "end":
			if _, err := coord.End(r.Context()); err != nil {
				send <- errorFrame(err.Error())
			}
		default:
			send <- errorFrame("unsupported message type")
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
