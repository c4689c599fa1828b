package notify

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// dialWS connects a test WebSocket client to an httptest server URL.
func dialWS(serverURL string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	return websocket.DefaultDialer.Dial(wsURL, nil)
}
