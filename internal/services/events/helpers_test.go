package events

import "net/http"

func httpHandler(b *WebSocketBroadcaster) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.HandleWebSocket)
	return mux
}
