package main

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// roomKey derives the stable lobby key for a human-chosen room name, so
// any printable name maps to a safe identifier.
func roomKey(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// randomKey generates a crypto-random key of n characters.
func randomKey(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}

// Registry owns the process-wide table of active lobbies and games.
// Lock ordering: the registry never takes a room's lock while holding
// its own, so rooms are free to call back into the registry.
type Registry struct {
	cfg   *Config
	agent BotAgent

	mu          sync.Mutex
	lobbies     map[string]*Lobby
	games       map[string]*Game
	gameByLobby map[string]string // lobby key -> game key, for promote idempotency
}

func newRegistry(cfg *Config, agent BotAgent) *Registry {
	reg := &Registry{
		cfg:         cfg,
		agent:       agent,
		lobbies:     make(map[string]*Lobby),
		games:       make(map[string]*Game),
		gameByLobby: make(map[string]string),
	}
	if cfg.sessionTimeout > 0 {
		go reg.reaperLoop()
	}
	return reg
}

// getOrCreateLobby returns the lobby for a room name, inserting an
// empty one (and starting its run loop) on first use.
func (reg *Registry) getOrCreateLobby(name string) *Lobby {
	key := roomKey(name)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if lobby, ok := reg.lobbies[key]; ok {
		return lobby
	}

	lobby := newLobby(key, name, reg)
	reg.lobbies[key] = lobby
	go lobby.run()

	lobbiesCreated.Inc()
	activeRooms.Inc()
	logf(reg.cfg, "ROOMS: Opened lobby %s (%q)", key, name)

	return lobby
}

func (reg *Registry) getLobby(key string) *Lobby {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lobbies[key]
}

func (reg *Registry) getGame(key string) *Game {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.games[key]
}

// promoteLobbyToGame constructs the game room for a lobby roster
// snapshot and registers it under a fresh key. At most one game is ever
// created per lobby, even if start requests race: callers after the
// first get the key of the game already created. The lobby itself stays
// registered until its last member disconnects.
func (reg *Registry) promoteLobbyToGame(lobbyKey string, snap gameSnapshot) string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if key, ok := reg.gameByLobby[lobbyKey]; ok {
		return key
	}

	var key string
	for {
		key = randomKey(8)
		if _, exists := reg.games[key]; !exists {
			break
		}
	}

	game := newGame(key, snap, reg)
	reg.games[key] = game
	reg.gameByLobby[lobbyKey] = key
	go game.run()

	gamesStarted.Inc()
	activeRooms.Inc()
	logf(reg.cfg, "GAMES: Promoted lobby %s to game %s with %d players", lobbyKey, key, len(snap.turnOrder))

	return key
}

// removeLobby drops an emptied lobby from the table.
func (reg *Registry) removeLobby(key string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.lobbies[key]; !ok {
		return
	}
	delete(reg.lobbies, key)
	delete(reg.gameByLobby, key)
	activeRooms.Dec()
	logf(reg.cfg, "ROOMS: Closed lobby %s", key)
}

// removeGame drops an emptied or finished game from the table.
func (reg *Registry) removeGame(key string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.games[key]; !ok {
		return
	}
	delete(reg.games, key)
	activeRooms.Dec()
	logf(reg.cfg, "GAMES: Closed game %s", key)
}

// reaperLoop periodically removes rooms that have been idle longer than
// the configured session timeout. Rooms are closed only after the
// registry lock is released, to respect the lock ordering above.
func (reg *Registry) reaperLoop() {
	ticker := time.NewTicker(reg.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-reg.cfg.sessionTimeout)

		reg.mu.Lock()
		lobbies := make(map[string]*Lobby, len(reg.lobbies))
		for key, lobby := range reg.lobbies {
			lobbies[key] = lobby
		}
		games := make(map[string]*Game, len(reg.games))
		for key, game := range reg.games {
			games[key] = game
		}
		reg.mu.Unlock()

		for key, lobby := range lobbies {
			if lobby.lastActiveAt().Before(cutoff) {
				reg.removeLobby(key)
				lobby.close()
			}
		}
		for key, game := range games {
			if game.lastActiveAt().Before(cutoff) {
				reg.removeGame(key)
				game.close()
			}
		}
	}
}
