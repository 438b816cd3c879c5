package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nkaruna09/HazMap/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	MatchID string `json:"matchId"`
}

type wsLocationPayload struct {
	VolunteerID string  `json:"volunteerId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

// WSHandler handles /ws: volunteers stream location updates up and receive
// match events down on the same connection.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		topic string
		ch    chan SSEEvent
	}
	subs := map[string]sub{}
	defer func() {
		for _, su := range subs {
			s.Broker.Unsubscribe(su.topic, su.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	write := func(v any) error {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			topic := TopicAll
			if pl.MatchID != "" {
				topic = pl.MatchID
			}
			if _, exists := subs[msg.ID]; exists {
				continue
			}
			ch := s.Broker.Subscribe(topic)
			subs[msg.ID] = sub{topic: topic, ch: ch}
			go func(id string, ch chan SSEEvent) {
				for evt := range ch {
					body, _ := json.Marshal(map[string]any{"event": evt.Type, "data": evt.Data})
					if err := write(wsMessage{Type: "next", ID: id, Payload: body}); err != nil {
						return
					}
				}
			}(msg.ID, ch)
		case "unsubscribe":
			if su, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(su.topic, su.ch)
				delete(subs, msg.ID)
			}
		case "location":
			var pl wsLocationPayload
			if err := json.Unmarshal(msg.Payload, &pl); err != nil || pl.VolunteerID == "" {
				continue
			}
			loc := model.Location{Lat: pl.Lat, Lng: pl.Lng}
			if !loc.Valid() {
				continue
			}
			_ = s.Engine.UpdateVolunteerLocation(r.Context(), pl.VolunteerID, loc)
		}
	}
}
