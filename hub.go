package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "sketchrelay_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// Client is one live websocket connection belonging to one player.
type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

// session is a room from a connection's point of view: a lobby or a
// game. All three methods hand off to the room's run loop; none of them
// block on room state.
type session interface {
	attach(c *Client)
	detach(c *Client)
	handle(c *Client, msg clientMessage)
}

func (c *Client) readPump(cfg *Config, s session) {
	defer func() {
		s.detach(c)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := decodeClientMessage(data)
		if err != nil {
			// Malformed or unknown frames are dropped without
			// touching room state.
			logf(cfg, "ROOMS: Dropping frame from %s: %v", c.playerID, err)
			continue
		}

		s.handle(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// roster maps live connections for one room. It is not internally
// synchronized; rooms only touch it from their run loop or while
// holding their own lock.
type roster struct {
	clients map[*Client]bool
}

func newRoster() *roster {
	return &roster{clients: make(map[*Client]bool)}
}

func (r *roster) add(c *Client) {
	r.clients[c] = true
}

func (r *roster) remove(c *Client) {
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
}

func (r *roster) byPlayer(playerID string) *Client {
	for c := range r.clients {
		if c.playerID == playerID {
			return c
		}
	}
	return nil
}

func (r *roster) size() int {
	return len(r.clients)
}

// trySend queues msg for one client, dropping the connection if its
// buffer is full (a stalled reader must not stall the room).
func (r *roster) trySend(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(r.clients, c)
		close(c.send)
	}
}

func (r *roster) broadcast(msg any) {
	for c := range r.clients {
		r.trySend(c, msg)
	}
}

func (r *roster) broadcastExcept(playerID string, msg any) {
	for c := range r.clients {
		if c.playerID == playerID {
			continue
		}
		r.trySend(c, msg)
	}
}

func (r *roster) unicast(playerID string, msg any) bool {
	c := r.byPlayer(playerID)
	if c == nil {
		return false
	}
	r.trySend(c, msg)
	return true
}

func (r *roster) closeAll() {
	for c := range r.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(r.clients, c)
	}
}

// serveLobbyWS upgrades a connection into the lobby for :room,
// creating the lobby if this is its first visitor.
func serveLobbyWS(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomName := ps.ByName("room")
		if roomName == "" {
			http.Error(w, "missing room name", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		lobby := reg.getOrCreateLobby(roomName)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		lobby.attach(client)

		go client.writePump()
		client.readPump(cfg, lobby)
	}
}

// serveGameWS upgrades a connection into the game addressed by
// :gamekey. A missing game is reported once and the connection closed.
func serveGameWS(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameKey := ps.ByName("gamekey")
		if gameKey == "" {
			http.Error(w, "missing game key", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		game := reg.getGame(gameKey)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		if game == nil {
			_ = conn.WriteJSON(errorMessage("that game no longer exists"))
			_ = conn.Close()
			return
		}

		game.attach(client)

		go client.writePump()
		client.readPump(cfg, game)
	}
}

// qrHandler generates a PNG QR code for the current room URL.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:room/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// redirectNewRoom handles GET /play by generating a random room name
// and redirecting into its lobby.
func redirectNewRoom(cfg *Config, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomName := randomKey(8)
		logf(cfg, "ROOMS: Created room %s/%s", path, roomName)
		http.Redirect(w, r, path+"/"+roomName, http.StatusTemporaryRedirect)
	}
}

// registerTelephoneGame sets up routes so that:
//   - /play                → redirects to a new random room
//   - /play/:room          → lobby client page
//   - /play/:room/ws       → lobby websocket
//   - /play/:room/qr       → PNG QR code for sharing the room
//   - /game/:gamekey       → game client page
//   - /game/:gamekey/ws    → game websocket
func registerTelephoneGame(cfg *Config, reg *Registry, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/play", redirectNewRoom(cfg, cfg.prefix+"/play"))

	mux.GET(cfg.prefix+"/play/:room", serveLobbyPage(cfg))
	mux.GET(cfg.prefix+"/play/:room/ws", serveLobbyWS(cfg, reg))
	mux.GET(cfg.prefix+"/play/:room/qr", qrHandler)

	mux.GET(cfg.prefix+"/game/:gamekey", serveGamePage(cfg))
	mux.GET(cfg.prefix+"/game/:gamekey/ws", serveGameWS(cfg, reg))
}
