// Package main runs a demo WebSocket client for autoplan events. It prints
// the stream and, with TRIP_ID set, confirms that trip to trigger an event.
package main

import (
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
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	tripID := os.Getenv("TRIP_ID")

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/autoplan/stream"}
	if tripID != "" {
		u.RawQuery = url.Values{"tripId": {tripID}}.Encode()
	}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			data, _ := json.Marshal(m.Data)
			log.Printf("WS <- %s: %s", m.Type, data)
		}
	}()

	if tripID != "" {
		time.Sleep(500 * time.Millisecond)
		resp, err := http.Post(fmt.Sprintf("%s/v1/trips/%s/confirm", base, tripID), "application/json", nil)
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
		log.Printf("confirm %s: %s", tripID, resp.Status)
	}

	wait := 30 * time.Second
	if v := os.Getenv("WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wait = d
		}
	}
	select {
	case <-time.After(wait):
	case <-done:
	}
}
