package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Player holds the data we store server-side for one room occupant.
type Player struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsBot     bool   `json:"isBot"`
	IsHost    bool   `json:"isHost"`
	Connected bool   `json:"connected"`
}

type lobbyRequest struct {
	client *Client
	msg    clientMessage
}

// Lobby stages players and bots for one room before a game starts.
// Inputs arrive concurrently from every connection, but all mutations
// happen on the run loop, so the room behaves as a single-threaded
// actor.
type Lobby struct {
	key  string
	name string
	reg  *Registry

	register chan *Client
	unreg    chan *Client
	requests chan lobbyRequest
	done     chan struct{}

	mu         sync.RWMutex
	conns      *roster
	players    []*Player // insertion order; host transfer follows it
	hostID     string
	gameKey    string // set once the lobby has been promoted
	createdAt  time.Time
	lastActive time.Time
	closed     bool
}

func newLobby(key, name string, reg *Registry) *Lobby {
	now := time.Now()
	return &Lobby{
		key:        key,
		name:       name,
		reg:        reg,
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		requests:   make(chan lobbyRequest),
		done:       make(chan struct{}),
		conns:      newRoster(),
		createdAt:  now,
		lastActive: now,
	}
}

func (l *Lobby) attach(c *Client) {
	select {
	case l.register <- c:
	case <-l.done:
		close(c.send)
		_ = c.conn.Close()
	}
}

func (l *Lobby) detach(c *Client) {
	select {
	case l.unreg <- c:
	case <-l.done:
	}
}

func (l *Lobby) handle(c *Client, msg clientMessage) {
	select {
	case l.requests <- lobbyRequest{client: c, msg: msg}:
	case <-l.done:
	}
}

func (l *Lobby) run() {
	for {
		select {
		case <-l.done:
			return
		case c := <-l.register:
			l.handleRegister(c)
		case c := <-l.unreg:
			if l.handleUnregister(c) {
				return
			}
		case req := <-l.requests:
			l.handleRequest(req)
		}
	}
}

func (l *Lobby) lastActiveAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastActive
}

// close tears the lobby down: every connection is dropped and the run
// loop, if still going, exits. Safe to call more than once.
func (l *Lobby) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.conns.closeAll()
	l.mu.Unlock()

	close(l.done)
}

func (l *Lobby) handleRegister(c *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The run loop may still be draining events queued before the room
	// closed; a closed room accepts nothing.
	if l.closed {
		close(c.send)
		return
	}

	l.lastActive = time.Now()
	l.conns.add(c)

	// Reconnecting players pick their entry back up immediately; fresh
	// visitors stay off the roster until they send a join.
	if p := l.playerLocked(c.playerID); p != nil {
		p.Connected = true
	}

	l.conns.trySend(c, l.roomUpdateLocked())
}

// handleUnregister reports true when the lobby destroyed itself.
func (l *Lobby) handleUnregister(c *Client) bool {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return false
	}

	l.lastActive = time.Now()
	l.conns.remove(c)

	// Another tab may still hold the same player id.
	if l.conns.byPlayer(c.playerID) != nil {
		l.mu.Unlock()
		return false
	}

	p := l.playerLocked(c.playerID)
	if p == nil {
		l.mu.Unlock()
		return false
	}

	l.removePlayerLocked(p.ID)
	logf(l.reg.cfg, "ROOMS: Player %q left lobby %s", p.Name, l.key)

	if !l.hasHumansLocked() {
		// Bots cannot hold a room open on their own.
		l.players = nil
		l.closed = true
		l.conns.closeAll()
		l.mu.Unlock()

		l.reg.removeLobby(l.key)
		close(l.done)
		return true
	}

	l.broadcastRoomLocked()
	l.conns.broadcast(notifyMessage(fmt.Sprintf("%s left the room", p.Name), "info"))
	l.mu.Unlock()
	return false
}

func (l *Lobby) handleRequest(req lobbyRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.lastActive = time.Now()

	var err error
	switch req.msg.Type {
	case msgJoin:
		err = l.joinLocked(req.client, req.msg.Join.Name)
	case msgChatMessage:
		l.chatLocked(req.client, req.msg.Chat.Message)
	case msgAddBot:
		err = l.addBotLocked(req.client.playerID)
	case msgRemoveBot:
		err = l.removeBotLocked(req.client.playerID)
	case msgStartGame:
		err = l.startGameLocked(req.client.playerID)
	default:
		err = errWrongPhase
	}

	// Rejections go to the requester alone and leave the room as it was.
	if err != nil {
		l.conns.trySend(req.client, errorMessage(err.Error()))
	}
}

func (l *Lobby) playerLocked(playerID string) *Player {
	for _, p := range l.players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

func (l *Lobby) hasHumansLocked() bool {
	for _, p := range l.players {
		if !p.IsBot {
			return true
		}
	}
	return false
}

func (l *Lobby) botCountLocked() int {
	n := 0
	for _, p := range l.players {
		if p.IsBot {
			n++
		}
	}
	return n
}

func (l *Lobby) removePlayerLocked(playerID string) {
	dst := l.players[:0]
	for _, p := range l.players {
		if p.ID == playerID {
			continue
		}
		dst = append(dst, p)
	}
	l.players = dst

	if l.hostID != playerID {
		return
	}

	// Host passes to the first remaining non-bot player in join order.
	l.hostID = ""
	for _, p := range l.players {
		if !p.IsBot {
			l.hostID = p.ID
			p.IsHost = true
			break
		}
	}
}

func (l *Lobby) joinLocked(c *Client, name string) error {
	if p := l.playerLocked(c.playerID); p != nil {
		// Rejoining updates the display name.
		if name != "" {
			p.Name = name
		}
		p.Connected = true
		l.broadcastRoomLocked()
		return nil
	}

	if len(l.players) >= l.reg.cfg.roomSize {
		return errRoomFull
	}

	if name == "" {
		name = fmt.Sprintf("Player %d", len(l.players)+1)
	}

	p := &Player{
		ID:        c.playerID,
		Name:      name,
		Connected: true,
	}
	if l.hostID == "" {
		l.hostID = p.ID
		p.IsHost = true
	}
	l.players = append(l.players, p)

	logf(l.reg.cfg, "ROOMS: Player %q joined lobby %s", name, l.key)

	l.broadcastRoomLocked()
	l.conns.broadcast(notifyMessage(fmt.Sprintf("%s joined the room", name), "info"))
	return nil
}

func (l *Lobby) chatLocked(c *Client, text string) {
	if text == "" {
		return
	}
	sender := "unknown"
	if p := l.playerLocked(c.playerID); p != nil {
		sender = p.Name
	}
	l.conns.broadcast(chatMessage(sender, text))
}

func (l *Lobby) addBotLocked(requesterID string) error {
	if requesterID != l.hostID || l.hostID == "" {
		return errNotHost
	}
	if len(l.players) >= l.reg.cfg.roomSize {
		return errRoomFull
	}

	bot := &Player{
		ID:        "bot-" + uuid.NewString(),
		Name:      botName(l.botCountLocked() + 1),
		IsBot:     true,
		Connected: true,
	}
	l.players = append(l.players, bot)

	logf(l.reg.cfg, "ROOMS: Added %q to lobby %s", bot.Name, l.key)

	l.broadcastRoomLocked()
	return nil
}

// removeBotLocked discards the most recently added bot.
func (l *Lobby) removeBotLocked(requesterID string) error {
	if requesterID != l.hostID || l.hostID == "" {
		return errNotHost
	}

	for i := len(l.players) - 1; i >= 0; i-- {
		if !l.players[i].IsBot {
			continue
		}
		name := l.players[i].Name
		l.players = append(l.players[:i], l.players[i+1:]...)

		logf(l.reg.cfg, "ROOMS: Removed %q from lobby %s", name, l.key)

		l.broadcastRoomLocked()
		return nil
	}

	return errNoBotToRemove
}

func (l *Lobby) startGameLocked(requesterID string) error {
	if requesterID != l.hostID || l.hostID == "" {
		return errNotHost
	}

	if l.gameKey != "" {
		// A start already went through; point the requester at it.
		l.conns.unicast(requesterID, serverMessage{Type: "game_started", Payload: gameStartedPayload{GameKey: l.gameKey}})
		return nil
	}

	humans := 0
	for _, p := range l.players {
		if !p.IsBot && p.Connected {
			humans++
		}
	}
	if humans < l.reg.cfg.minPlayers {
		return errInsufficientPlayers
	}

	snap := l.snapshotLocked()
	l.gameKey = l.reg.promoteLobbyToGame(l.key, snap)

	l.conns.broadcast(serverMessage{Type: "game_started", Payload: gameStartedPayload{GameKey: l.gameKey}})
	l.conns.broadcast(notifyMessage("The game is starting!", "success"))
	return nil
}

// snapshotLocked freezes the roster into the inputs the game needs: the
// turn order in join order, one empty book per member, and the derived
// round and quota bounds.
func (l *Lobby) snapshotLocked() gameSnapshot {
	n := len(l.players)
	totalOps := n - 1

	snap := gameSnapshot{
		roomName:            l.name,
		hostID:              l.hostID,
		players:             make(map[string]*Player, n),
		turnOrder:           make([]string, 0, n),
		totalOps:            totalOps,
		totalDisplayRounds:  (totalOps + 1) / 2,
		maxAiAssistsAllowed: max(0, n/2-1),
	}

	for _, p := range l.players {
		clone := *p
		clone.Connected = p.IsBot // humans must reconnect into the game channel
		snap.players[p.ID] = &clone
		snap.turnOrder = append(snap.turnOrder, p.ID)
	}

	return snap
}

func (l *Lobby) roomUpdateLocked() serverMessage {
	players := make([]playerInfo, 0, len(l.players))
	for _, p := range l.players {
		players = append(players, playerInfo{
			ID:        p.ID,
			Name:      p.Name,
			IsHost:    p.ID == l.hostID,
			IsBot:     p.IsBot,
			Connected: p.Connected,
		})
	}

	return serverMessage{
		Type: "room_update",
		Payload: roomUpdatePayload{
			RoomName: l.name,
			Players:  players,
			BotCount: l.botCountLocked(),
		},
	}
}

func (l *Lobby) broadcastRoomLocked() {
	l.conns.broadcast(l.roomUpdateLocked())
}
