package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Call clients are native binaries, not browsers.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewRouter returns the relay's HTTP routes.
func NewRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthCheckHandler)
	r.Get("/ws", ServeWs(hub))
	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", listRooms(hub))
		r.Get("/archive", listArchive(hub))
	})
	return r
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Relay server is healthy."))
}

// ServeWs returns an http.HandlerFunc that handles websocket requests.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("Failed to upgrade connection", "error", err)
			return
		}

		client := newClient(hub, conn)
		if !hub.register(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func listRooms(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := hub.Rooms(r.Context())
		writeJSON(w, rooms, err)
	}
}

func listArchive(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := hub.ArchivedRooms(r.Context())
		writeJSON(w, rooms, err)
	}
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(v)
}
