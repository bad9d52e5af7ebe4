// Package websockettest provides dial helpers for exercising the ingest
// endpoints from tests.
package websockettest

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial establishes a WebSocket connection to an http(s) test server URL,
// optionally presenting a bearer token during the handshake.
func Dial(urlStr, token string) (*websocket.Conn, *http.Response, error) {
	wsURL := strings.Replace(urlStr, "http", "ws", 1)
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	return websocket.DefaultDialer.Dial(wsURL, header)
}

// DialIgnoringPings connects like Dial and additionally discards ping and
// pong frames so tests can simulate an unresponsive producer.
func DialIgnoringPings(urlStr, token string) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(urlStr, token)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
