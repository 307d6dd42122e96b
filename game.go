// Sketchrelay game flow
//
// Every player writes a prompt, then the prompts travel around the ring:
// on odd operations each player draws the latest entry of a rotated
// neighbor's book, on even operations each player guesses what another
// neighbor drew. After N-1 operations every book has been touched by
// every player exactly once and the results are revealed one book at a
// time.
//
// Features:
// - Per-game websocket channel addressed by a random game key
// - Task fan-out per phase, with a completion barrier: the phase only
//   advances once every pending assignment has been retired
// - Bot turns resolved inline through the BotAgent adapter
// - Rate-limited AI drawing assist for human players
// - Shared result viewer after the game, steered by the host

package main

import (
	"fmt"
	"sync"
	"time"
)

const (
	stateInitializing = "initializing"
	statePrompting    = "prompting"
	stateDrawing      = "drawing"
	stateGuessing     = "guessing"
	stateFinished     = "finished"
)

const (
	entryPrompt  = "prompt"
	entryDrawing = "drawing"
	entryGuess   = "guess"
)

const (
	taskPrompt = "submit-prompt"
	taskDraw   = "draw"
	taskGuess  = "guess"
)

// BookEntry is one contribution to a player's book: the owner's prompt,
// or a drawing/guess added by another player as the book travels.
type BookEntry struct {
	Kind   string `json:"type"`
	Data   string `json:"data"`
	Player string `json:"player"`
	Round  int    `json:"round"`
}

// Task is a player's pending assignment within the active phase. It
// exists only until its holder submits.
type Task struct {
	Kind      string
	BookOwner string
	Round     int
}

// gameSnapshot carries everything the lobby fixes at game start.
type gameSnapshot struct {
	roomName            string
	hostID              string
	players             map[string]*Player
	turnOrder           []string
	totalOps            int
	totalDisplayRounds  int
	maxAiAssistsAllowed int
}

type gameRequest struct {
	client *Client
	msg    clientMessage
}

// Game is the per-room session state machine. Like the lobby, all
// mutations run on the run loop; the only suspension point is the AI
// assist call, which runs outside the lock and commits its result back
// through a plain unicast.
type Game struct {
	key      string
	roomName string
	reg      *Registry

	register chan *Client
	unreg    chan *Client
	requests chan gameRequest
	done     chan struct{}

	mu            sync.RWMutex
	conns         *roster
	players       map[string]*Player // shrinks as players disconnect
	initialRoster map[string]playerInfo
	hostID        string
	turnOrder     []string // fixed at game start, never mutated
	state         string
	books         map[string][]BookEntry
	assignments   map[string]Task
	op            int // 1-indexed operation number, 0 before the first
	totalOps      int
	totalRounds   int
	quota         *assistQuota
	displayedBook int
	everConnected bool
	lastActive    time.Time
	closed        bool
}

func newGame(key string, snap gameSnapshot, reg *Registry) *Game {
	now := time.Now()

	g := &Game{
		key:           key,
		roomName:      snap.roomName,
		reg:           reg,
		register:      make(chan *Client),
		unreg:         make(chan *Client),
		requests:      make(chan gameRequest),
		done:          make(chan struct{}),
		conns:         newRoster(),
		players:       snap.players,
		initialRoster: make(map[string]playerInfo, len(snap.players)),
		hostID:        snap.hostID,
		turnOrder:     snap.turnOrder,
		state:         stateInitializing,
		books:         make(map[string][]BookEntry, len(snap.turnOrder)),
		totalOps:      snap.totalOps,
		totalRounds:   snap.totalDisplayRounds,
		quota:         newAssistQuota(snap.maxAiAssistsAllowed),
		lastActive:    now,
	}

	for id, p := range snap.players {
		g.books[id] = []BookEntry{}
		g.initialRoster[id] = playerInfo{
			ID:    p.ID,
			Name:  p.Name,
			IsBot: p.IsBot,
		}
	}

	return g
}

func (g *Game) attach(c *Client) {
	select {
	case g.register <- c:
	case <-g.done:
		close(c.send)
		_ = c.conn.Close()
	}
}

func (g *Game) detach(c *Client) {
	select {
	case g.unreg <- c:
	case <-g.done:
	}
}

func (g *Game) handle(c *Client, msg clientMessage) {
	select {
	case g.requests <- gameRequest{client: c, msg: msg}:
	case <-g.done:
	}
}

func (g *Game) run() {
	for {
		select {
		case <-g.done:
			return
		case c := <-g.register:
			g.handleRegister(c)
		case c := <-g.unreg:
			if g.handleUnregister(c) {
				return
			}
		case req := <-g.requests:
			g.handleRequest(req)
		}
	}
}

func (g *Game) lastActiveAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastActive
}

func (g *Game) close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.conns.closeAll()
	g.mu.Unlock()

	close(g.done)
}

func (g *Game) handleRegister(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// The run loop may still be draining events queued before the room
	// closed; a closed room accepts nothing.
	if g.closed {
		close(c.send)
		return
	}

	g.lastActive = time.Now()
	g.conns.add(c)
	g.everConnected = true

	if p, ok := g.players[c.playerID]; ok {
		p.Connected = true
	}

	g.conns.trySend(c, g.stateMessageLocked())

	// A reconnecting player gets their pending task again, on the
	// connection that just attached.
	if task, ok := g.assignments[c.playerID]; ok {
		g.conns.trySend(c, g.taskMessageLocked(task))
	}
	if g.state == stateFinished {
		g.conns.trySend(c, g.gameOverMessageLocked())
		g.conns.trySend(c, serverMessage{Type: "update_displayed_book", Payload: displayedBookPayload{BookIndex: g.displayedBook}})
	}
}

// handleUnregister reports true when the game room tore itself down.
func (g *Game) handleUnregister(c *Client) bool {
	g.mu.Lock()

	if g.closed {
		g.mu.Unlock()
		return false
	}

	g.lastActive = time.Now()
	g.conns.remove(c)

	if g.conns.byPlayer(c.playerID) == nil {
		if p, ok := g.players[c.playerID]; ok {
			delete(g.players, c.playerID)

			// If the player held a pending assignment it is dropped,
			// which stalls the barrier for this operation. There is no
			// reassignment or timeout policy.
			if _, held := g.assignments[c.playerID]; held {
				delete(g.assignments, c.playerID)
				logf(g.reg.cfg, "GAMES: %q left game %s holding a pending task; operation %d is stalled", p.Name, g.key, g.op)
			}

			g.broadcastStateLocked()
			g.conns.broadcast(notifyMessage(fmt.Sprintf("%s left the game", p.Name), "warning"))
		}
	}

	if g.everConnected && g.conns.size() == 0 {
		g.closed = true
		g.mu.Unlock()

		g.reg.removeGame(g.key)
		close(g.done)
		return true
	}

	g.mu.Unlock()
	return false
}

func (g *Game) handleRequest(req gameRequest) {
	c := req.client
	pid := c.playerID

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.lastActive = time.Now()

	var err error
	switch req.msg.Type {
	case msgStartGame:
		// Game clients signal readiness on connect; once every human
		// turn-order member is present, the first phase begins.
		g.maybeBeginLocked()
	case msgJoin:
		err = g.renameLocked(pid, req.msg.Join.Name)
	case msgChatMessage:
		g.chatLocked(pid, req.msg.Chat.Message)
	case msgSubmitPrompt:
		err = g.submitPromptLocked(pid, req.msg.Prompt.Prompt)
	case msgSubmitDrawing:
		err = g.submitDrawingLocked(pid, req.msg.Drawing.Drawing)
	case msgSubmitGuess:
		err = g.submitGuessLocked(pid, req.msg.Guess.Guess)
	case msgClearCanvas:
		g.conns.broadcastExcept(pid, serverMessage{Type: "clear_canvas_instruction", Payload: struct{}{}})
	case msgNavigateBook:
		err = g.navigateBookLocked(pid, req.msg.Navigate.Direction)
	case msgAiAssistDrawing:
		g.requestAiAssistLocked(c, req.msg.AiAssist)
	default:
		err = errWrongPhase
	}

	if err != nil {
		g.conns.trySend(c, errorMessage(err.Error()))
	}
	g.mu.Unlock()
}

// maybeBeginLocked starts the prompting phase once every human member
// of the turn order is connected. Bots count as always present.
func (g *Game) maybeBeginLocked() {
	if g.state != stateInitializing {
		return
	}

	for _, pid := range g.turnOrder {
		p, ok := g.players[pid]
		if !ok || (!p.IsBot && !p.Connected) {
			return
		}
	}

	if g.totalOps <= 0 {
		// A single-member ring has nothing to pass around.
		g.finishLocked()
		return
	}

	g.beginPromptingLocked()
}

func (g *Game) beginPromptingLocked() {
	g.state = statePrompting
	g.op = 0
	g.assignments = make(map[string]Task, len(g.turnOrder))

	logf(g.reg.cfg, "GAMES: Game %s prompting with %d players", g.key, len(g.turnOrder))

	for _, pid := range g.turnOrder {
		if p, ok := g.players[pid]; ok && p.IsBot {
			ctx, cancel := waitCtx(g.reg.cfg)
			text := g.reg.agent.ProposePrompt(ctx)
			cancel()
			g.books[pid] = append(g.books[pid], BookEntry{Kind: entryPrompt, Data: text, Player: pid, Round: 0})
			continue
		}

		task := Task{Kind: taskPrompt, BookOwner: pid, Round: 0}
		g.assignments[pid] = task
		g.sendTaskLocked(pid, task)
	}

	g.broadcastStateLocked()
	g.advanceIfCompleteLocked()
}

// startOpLocked enters operation op: drawing when op is odd, guessing
// when op is even. Player i acts on the book of turnOrder[(i+op) mod N],
// always on that book's most recent entry. Bot tasks resolve inline and
// never enter the assignment map.
func (g *Game) startOpLocked(op int) {
	g.op = op
	round := (op + 1) / 2
	drawing := op%2 == 1
	if drawing {
		g.state = stateDrawing
	} else {
		g.state = stateGuessing
	}

	g.assignments = make(map[string]Task, len(g.turnOrder))

	logf(g.reg.cfg, "GAMES: Game %s operation %d/%d (%s)", g.key, op, g.totalOps, g.state)

	n := len(g.turnOrder)
	for i, pid := range g.turnOrder {
		target := g.turnOrder[(i+op)%n]
		book := g.books[target]
		if len(book) == 0 {
			// Can only happen if the book's owner never delivered a
			// prompt; nothing sensible to hand out.
			logf(g.reg.cfg, "GAMES: Game %s: book of %s is empty at operation %d", g.key, target, op)
			continue
		}
		last := book[len(book)-1]

		if p, ok := g.players[pid]; ok && p.IsBot {
			ctx, cancel := waitCtx(g.reg.cfg)
			if drawing {
				img := g.reg.agent.ProposeDrawing(ctx, last.Data)
				g.books[target] = append(g.books[target], BookEntry{Kind: entryDrawing, Data: img, Player: pid, Round: round})
			} else {
				text := g.reg.agent.ProposeGuess(ctx, last.Data)
				g.books[target] = append(g.books[target], BookEntry{Kind: entryGuess, Data: text, Player: pid, Round: round})
			}
			cancel()
			continue
		}

		kind := taskGuess
		if drawing {
			kind = taskDraw
		}
		task := Task{Kind: kind, BookOwner: target, Round: round}
		g.assignments[pid] = task
		g.sendTaskLocked(pid, task)
	}

	g.broadcastStateLocked()
}

// taskMessageLocked builds the request matching a pending task, carrying
// the content the holder must act on.
func (g *Game) taskMessageLocked(task Task) serverMessage {
	switch task.Kind {
	case taskDraw:
		book := g.books[task.BookOwner]
		return serverMessage{Type: "request_drawing", Payload: requestDrawingPayload{
			PromptOrGuess:  book[len(book)-1].Data,
			OriginalPlayer: task.BookOwner,
			Round:          task.Round,
		}}
	case taskGuess:
		book := g.books[task.BookOwner]
		return serverMessage{Type: "request_guess", Payload: requestGuessPayload{
			DrawingData:    book[len(book)-1].Data,
			OriginalPlayer: task.BookOwner,
			Round:          task.Round,
		}}
	default:
		return serverMessage{Type: "request_prompt", Payload: struct{}{}}
	}
}

func (g *Game) sendTaskLocked(pid string, task Task) {
	g.conns.unicast(pid, g.taskMessageLocked(task))
}

// advanceIfCompleteLocked moves the state machine forward for as long
// as the assignment map is empty: all-bot rings can burn through several
// operations in one call, so this loops instead of recursing.
func (g *Game) advanceIfCompleteLocked() {
	for len(g.assignments) == 0 {
		switch {
		case g.state == statePrompting:
			g.startOpLocked(1)
		case g.state == stateDrawing || g.state == stateGuessing:
			if g.op >= g.totalOps {
				g.finishLocked()
				return
			}
			g.startOpLocked(g.op + 1)
		default:
			return
		}
	}
}

// retireLocked removes a completed assignment and either reports
// progress or advances the phase. The emptiness check runs after every
// single retirement, never on a timer.
func (g *Game) retireLocked(pid string) {
	delete(g.assignments, pid)

	if len(g.assignments) > 0 {
		g.broadcastStateLocked()
		g.conns.broadcast(notifyMessage(fmt.Sprintf("Waiting on %d more submissions...", len(g.assignments)), "info"))
		return
	}

	g.advanceIfCompleteLocked()
}

func (g *Game) pendingTaskLocked(pid, kind string) (Task, error) {
	task, ok := g.assignments[pid]
	if !ok || task.Kind != kind {
		return Task{}, errNotAssigned
	}
	return task, nil
}

func (g *Game) submitPromptLocked(pid, text string) error {
	if g.state != statePrompting {
		return errWrongPhase
	}
	if _, err := g.pendingTaskLocked(pid, taskPrompt); err != nil {
		return err
	}
	if text == "" {
		return errEmptyInput
	}

	g.books[pid] = append(g.books[pid], BookEntry{Kind: entryPrompt, Data: text, Player: pid, Round: 0})
	g.retireLocked(pid)
	return nil
}

func (g *Game) submitDrawingLocked(pid, drawing string) error {
	if g.state != stateDrawing {
		return errWrongPhase
	}
	task, err := g.pendingTaskLocked(pid, taskDraw)
	if err != nil {
		return err
	}
	if drawing == "" {
		return errEmptyInput
	}

	g.books[task.BookOwner] = append(g.books[task.BookOwner], BookEntry{Kind: entryDrawing, Data: drawing, Player: pid, Round: task.Round})
	g.retireLocked(pid)
	return nil
}

func (g *Game) submitGuessLocked(pid, guess string) error {
	if g.state != stateGuessing {
		return errWrongPhase
	}
	task, err := g.pendingTaskLocked(pid, taskGuess)
	if err != nil {
		return err
	}
	if guess == "" {
		return errEmptyInput
	}

	g.books[task.BookOwner] = append(g.books[task.BookOwner], BookEntry{Kind: entryGuess, Data: guess, Player: pid, Round: task.Round})
	g.retireLocked(pid)
	return nil
}

// requestAiAssistLocked spends quota under the lock, then runs the
// external call on its own goroutine so a slow model cannot stall other
// players' submissions. The result only ever touches the requester's
// connection, never room state.
func (g *Game) requestAiAssistLocked(c *Client, req aiAssistPayload) {
	fail := func(err error, remaining int) {
		g.conns.trySend(c, serverMessage{Type: "ai_drawing_result", Payload: aiDrawingResultPayload{
			Success:            false,
			Error:              err.Error(),
			RemainingAiAssists: remaining,
		}})
	}

	if g.state != stateDrawing {
		fail(errWrongPhase, g.quota.remaining(c.playerID))
		return
	}

	p, ok := g.players[c.playerID]
	if !ok {
		fail(errNotAssigned, 0)
		return
	}

	remaining := g.quota.remaining(c.playerID)
	if !p.IsBot {
		var spent bool
		remaining, spent = g.quota.spend(c.playerID)
		if !spent {
			fail(errQuotaExceeded, 0)
			return
		}
	}

	pid := c.playerID
	go func() {
		ctx, cancel := waitCtx(g.reg.cfg)
		defer cancel()

		image, err := g.reg.agent.AssistDrawing(ctx, req.Drawing, req.Prompt)

		payload := aiDrawingResultPayload{
			Success:            err == nil,
			Image:              image,
			RemainingAiAssists: remaining,
		}
		if err != nil {
			payload.Error = errGenerationFailed.Error()
			logf(g.reg.cfg, "BOTS: Assist for %s in game %s failed: %v", pid, g.key, err)
		}

		g.mu.Lock()
		g.conns.unicast(pid, serverMessage{Type: "ai_drawing_result", Payload: payload})
		g.mu.Unlock()
	}()
}

// navigateBookLocked moves the shared result cursor; every client views
// the same book at the same time, steered by the host.
func (g *Game) navigateBookLocked(pid string, direction int) error {
	if g.state != stateFinished {
		return errWrongPhase
	}
	if pid != g.hostID {
		return errNotHost
	}

	switch {
	case direction > 0:
		g.displayedBook++
	case direction < 0:
		g.displayedBook--
	default:
		return nil
	}

	if g.displayedBook < 0 {
		g.displayedBook = 0
	}
	if limit := len(g.turnOrder) - 1; g.displayedBook > limit {
		g.displayedBook = limit
	}

	g.conns.broadcast(serverMessage{Type: "update_displayed_book", Payload: displayedBookPayload{BookIndex: g.displayedBook}})
	return nil
}

func (g *Game) renameLocked(pid, name string) error {
	p, ok := g.players[pid]
	if !ok {
		return errWrongPhase
	}
	if name == "" {
		return errEmptyInput
	}

	p.Name = name
	if info, ok := g.initialRoster[pid]; ok {
		info.Name = name
		g.initialRoster[pid] = info
	}
	g.broadcastStateLocked()
	return nil
}

func (g *Game) chatLocked(pid, text string) {
	if text == "" {
		return
	}
	sender := "unknown"
	if p, ok := g.players[pid]; ok {
		sender = p.Name
	}
	g.conns.broadcast(chatMessage(sender, text))
}

func (g *Game) finishLocked() {
	g.state = stateFinished
	g.assignments = nil
	g.displayedBook = 0

	gamesFinished.Inc()
	logf(g.reg.cfg, "GAMES: Game %s finished after %d operations", g.key, g.op)

	g.conns.broadcast(g.gameOverMessageLocked())
	g.conns.broadcast(serverMessage{Type: "update_displayed_book", Payload: displayedBookPayload{BookIndex: 0}})
	g.broadcastStateLocked()
}

// rosterInfoLocked is the initial roster with live connection flags, so
// contributions from departed players still display with their names.
func (g *Game) rosterInfoLocked() map[string]playerInfo {
	out := make(map[string]playerInfo, len(g.initialRoster))
	for id, info := range g.initialRoster {
		if p, ok := g.players[id]; ok {
			info.Connected = p.Connected
			info.Name = p.Name
		}
		info.IsHost = id == g.hostID
		out[id] = info
	}
	return out
}

func (g *Game) gameOverMessageLocked() serverMessage {
	return serverMessage{Type: "game_over", Payload: gameOverPayload{
		Books:     g.books,
		Players:   g.rosterInfoLocked(),
		TurnOrder: g.turnOrder,
	}}
}

func (g *Game) stateMessageLocked() serverMessage {
	waitingOn := make([]string, 0, len(g.assignments))
	for pid := range g.assignments {
		waitingOn = append(waitingOn, pid)
	}

	return serverMessage{Type: "game_state_update", Payload: gameStatePayload{
		State:               g.state,
		Players:             g.rosterInfoLocked(),
		CurrentDisplayRound: (g.op + 1) / 2,
		TotalDisplayRounds:  g.totalRounds,
		WaitingOn:           waitingOn,
		TurnOrder:           g.turnOrder,
		MaxAiAssistsAllowed: g.quota.limit,
		AiAssistUsage:       g.quota.snapshot(),
	}}
}

func (g *Game) broadcastStateLocked() {
	g.conns.broadcast(g.stateMessageLocked())
}
