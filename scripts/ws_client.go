// Package main runs a demo WebSocket client for match events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func postJSON(base, path string, body any, out any) error {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Seed a matched pair.
	var need, offer struct {
		ID string `json:"id"`
	}
	loc := map[string]float64{"lat": 43.65, "lng": -79.38}
	if err := postJSON(base, "/v1/needs", map[string]any{"category": "water", "quantity": "2 cases", "urgency": "high", "location": loc}, &need); err != nil {
		log.Fatal(err)
	}
	if err := postJSON(base, "/v1/offers", map[string]any{"category": "water", "quantity": "3 cases", "location": loc}, &offer); err != nil {
		log.Fatal(err)
	}
	var m struct {
		ID string `json:"id"`
	}
	if err := postJSON(base, "/v1/matches", map[string]any{"needId": need.ID, "offerId": offer.ID, "directPickup": true}, &m); err != nil {
		log.Fatal(err)
	}
	log.Printf("Match ID: %s", m.ID)

	// Connect WS and subscribe to the match.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	_ = c.WriteJSON(wsMessage{Type: "connection_init"})
	sub, _ := json.Marshal(map[string]string{"matchId": m.ID})
	_ = c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: sub})

	// Drive the lifecycle so events flow.
	go func() {
		time.Sleep(time.Second)
		_ = postJSON(base, "/v1/matches/"+m.ID+"/transit", map[string]any{}, nil)
		time.Sleep(time.Second)
		_ = postJSON(base, "/v1/matches/"+m.ID+"/complete", map[string]any{}, nil)
	}()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			log.Fatal(err)
		}
		log.Printf("<- %s %s", msg.Type, string(msg.Payload))
		if msg.Type == "next" && bytes.Contains(msg.Payload, []byte("completed")) {
			log.Println("delivery completed, done")
			return
		}
	}
	log.Println("timed out waiting for completion event")
}
