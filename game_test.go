package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		bind:              "127.0.0.1",
		port:              8080,
		minPlayers:        2,
		roomSize:          8,
		generationTimeout: time.Second,
		generationRate:    1e6, // burst is 1; keep sequential calls from tripping the limiter
	}
}

// stubAgent is a deterministic BotAgent for tests.
type stubAgent struct {
	assistImage string
	assistErr   error
}

func (s *stubAgent) ProposePrompt(_ context.Context) string {
	return "stub prompt"
}

func (s *stubAgent) ProposeDrawing(_ context.Context, promptOrGuess string) string {
	return "drawing of " + promptOrGuess
}

func (s *stubAgent) ProposeGuess(_ context.Context, _ string) string {
	return "stub guess"
}

func (s *stubAgent) AssistDrawing(_ context.Context, _, _ string) (string, error) {
	return s.assistImage, s.assistErr
}

func newTestClient(playerID string) *Client {
	return &Client{
		send:     make(chan any, 64),
		playerID: playerID,
	}
}

// newTestGame builds a game over the given players, registers a client
// per human, and triggers the readiness signal.
func newTestGame(t *testing.T, agent BotAgent, players ...*Player) (*Game, map[string]*Client) {
	t.Helper()

	reg := newRegistry(testConfig(), agent)

	snap := gameSnapshot{
		roomName: "testroom",
		players:  make(map[string]*Player, len(players)),
		turnOrder: func() []string {
			order := make([]string, 0, len(players))
			for _, p := range players {
				order = append(order, p.ID)
			}
			return order
		}(),
	}

	n := len(players)
	snap.totalOps = n - 1
	snap.totalDisplayRounds = (snap.totalOps + 1) / 2
	snap.maxAiAssistsAllowed = max(0, n/2-1)

	for _, p := range players {
		clone := *p
		clone.Connected = p.IsBot
		snap.players[p.ID] = &clone
		if !p.IsBot && snap.hostID == "" {
			snap.hostID = p.ID
		}
	}

	g := newGame("testgame", snap, reg)

	clients := make(map[string]*Client, len(players))
	for _, p := range players {
		if p.IsBot {
			continue
		}
		c := newTestClient(p.ID)
		clients[p.ID] = c
		g.handleRegister(c)
	}

	for _, c := range clients {
		g.handleRequest(gameRequest{client: c, msg: clientMessage{Type: msgStartGame}})
		break
	}

	return g, clients
}

func human(id string) *Player {
	return &Player{ID: id, Name: "player " + id, Connected: true}
}

func bot(id string) *Player {
	return &Player{ID: id, Name: "bot " + id, IsBot: true, Connected: true}
}

// lastError drains a client's send buffer and returns the final error
// payload, if any.
func lastError(t *testing.T, c *Client) string {
	t.Helper()

	var found string
	for {
		select {
		case msg := <-c.send:
			if sm, ok := msg.(serverMessage); ok && sm.Type == "error" {
				found = sm.Payload.(errorPayload).Message
			}
		default:
			return found
		}
	}
}

// lastChat drains a client's send buffer and returns the final chat
// broadcast, if any.
func lastChat(t *testing.T, c *Client) (chatBroadcastPayload, bool) {
	t.Helper()

	var found chatBroadcastPayload
	var ok bool
	for {
		select {
		case msg := <-c.send:
			if sm, isServer := msg.(serverMessage); isServer && sm.Type == "chat" {
				found = sm.Payload.(chatBroadcastPayload)
				ok = true
			}
		default:
			return found, ok
		}
	}
}

func drainClient(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func submit(g *Game, c *Client, msgType, value string) {
	msg := clientMessage{Type: msgType}
	switch msgType {
	case msgSubmitPrompt:
		msg.Prompt.Prompt = value
	case msgSubmitDrawing:
		msg.Drawing.Drawing = value
	case msgSubmitGuess:
		msg.Guess.Guess = value
	}
	g.handleRequest(gameRequest{client: c, msg: msg})
}

// playFullGame drives every pending assignment to completion, labeling
// each contribution so tests can reconstruct who produced what.
func playFullGame(t *testing.T, g *Game, clients map[string]*Client) {
	t.Helper()

	for i := 0; i < 10*len(g.turnOrder); i++ {
		g.mu.RLock()
		state := g.state
		pending := make(map[string]Task, len(g.assignments))
		for pid, task := range g.assignments {
			pending[pid] = task
		}
		g.mu.RUnlock()

		if state == stateFinished {
			return
		}
		require.NotEmpty(t, pending, "state %s has no pending assignments and did not advance", state)

		for pid, task := range pending {
			c := clients[pid]
			require.NotNil(t, c, "assignment held by clientless player %s", pid)
			switch task.Kind {
			case taskPrompt:
				submit(g, c, msgSubmitPrompt, "prompt by "+pid)
			case taskDraw:
				submit(g, c, msgSubmitDrawing, "drawing by "+pid)
			case taskGuess:
				submit(g, c, msgSubmitGuess, "guess by "+pid)
			}
		}
	}

	t.Fatal("game did not finish")
}

func TestGameWaitsForAllHumansToConnect(t *testing.T) {
	reg := newRegistry(testConfig(), &stubAgent{})

	a, b := human("a"), human("b")
	snap := gameSnapshot{
		players:            map[string]*Player{"a": {ID: "a"}, "b": {ID: "b"}},
		turnOrder:          []string{a.ID, b.ID},
		totalOps:           1,
		totalDisplayRounds: 1,
	}
	g := newGame("k", snap, reg)

	ca := newTestClient("a")
	g.handleRegister(ca)
	g.handleRequest(gameRequest{client: ca, msg: clientMessage{Type: msgStartGame}})
	assert.Equal(t, stateInitializing, g.state)

	cb := newTestClient("b")
	g.handleRegister(cb)
	g.handleRequest(gameRequest{client: cb, msg: clientMessage{Type: msgStartGame}})
	assert.Equal(t, statePrompting, g.state)
}

func TestTwoPlayerGame(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	require.Equal(t, statePrompting, g.state)
	require.Equal(t, 1, g.totalOps)

	submit(g, clients["a"], msgSubmitPrompt, "P1")
	require.Equal(t, statePrompting, g.state, "barrier must hold until the last prompt")

	submit(g, clients["b"], msgSubmitPrompt, "P2")
	require.Equal(t, stateDrawing, g.state)
	require.Equal(t, 1, g.op)

	// Op 1: a draws b's book, b draws a's book.
	require.Equal(t, Task{Kind: taskDraw, BookOwner: "b", Round: 1}, g.assignments["a"])
	require.Equal(t, Task{Kind: taskDraw, BookOwner: "a", Round: 1}, g.assignments["b"])

	submit(g, clients["a"], msgSubmitDrawing, "D-by-a")
	submit(g, clients["b"], msgSubmitDrawing, "D-by-b")

	require.Equal(t, stateFinished, g.state)

	require.Equal(t, []BookEntry{
		{Kind: entryPrompt, Data: "P1", Player: "a", Round: 0},
		{Kind: entryDrawing, Data: "D-by-b", Player: "b", Round: 1},
	}, g.books["a"])
	require.Equal(t, []BookEntry{
		{Kind: entryPrompt, Data: "P2", Player: "b", Round: 0},
		{Kind: entryDrawing, Data: "D-by-a", Player: "a", Round: 1},
	}, g.books["b"])
}

func TestThreePlayerRotation(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"), human("c"))

	require.Equal(t, 2, g.totalOps)
	require.Equal(t, 1, g.totalRounds)

	for _, c := range clients {
		submit(g, c, msgSubmitPrompt, "prompt by "+c.playerID)
	}

	// Op 1 (draw): each player draws the next seat's book.
	require.Equal(t, stateDrawing, g.state)
	require.Equal(t, "b", g.assignments["a"].BookOwner)
	require.Equal(t, "c", g.assignments["b"].BookOwner)
	require.Equal(t, "a", g.assignments["c"].BookOwner)

	for _, c := range clients {
		submit(g, c, msgSubmitDrawing, "drawing by "+c.playerID)
	}

	// Op 2 (guess): each player guesses the book two seats ahead,
	// consuming the drawing produced in op 1.
	require.Equal(t, stateGuessing, g.state)
	require.Equal(t, 1, (g.op+1)/2)
	require.Equal(t, "c", g.assignments["a"].BookOwner)
	require.Equal(t, "a", g.assignments["b"].BookOwner)
	require.Equal(t, "b", g.assignments["c"].BookOwner)

	// The guessed content is a drawing, not a prompt.
	for pid, task := range g.assignments {
		book := g.books[task.BookOwner]
		require.Equal(t, entryDrawing, book[len(book)-1].Kind, "player %s must guess a drawing", pid)
	}

	for _, c := range clients {
		submit(g, c, msgSubmitGuess, "guess by "+c.playerID)
	}

	require.Equal(t, stateFinished, g.state)
}

func TestBookShapeForManyPlayerCounts(t *testing.T) {
	for n := 2; n <= 7; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			players := make([]*Player, 0, n)
			for i := 0; i < n; i++ {
				players = append(players, human(fmt.Sprintf("p%d", i)))
			}

			g, clients := newTestGame(t, &stubAgent{}, players...)
			playFullGame(t, g, clients)

			require.Equal(t, n-1, g.op, "totalOps must be N-1")

			for _, pid := range g.turnOrder {
				book := g.books[pid]
				require.Len(t, book, n, "book of %s", pid)

				// First entry is the owner's prompt, then alternating
				// drawing/guess contributions.
				require.Equal(t, entryPrompt, book[0].Kind)
				require.Equal(t, pid, book[0].Player)
				for i := 1; i < len(book); i++ {
					want := entryDrawing
					if i%2 == 0 {
						want = entryGuess
					}
					require.Equal(t, want, book[i].Kind, "entry %d of book %s", i, pid)
				}

				// Every player contributes to this book exactly once.
				seen := map[string]int{}
				for _, entry := range book {
					seen[entry.Player]++
				}
				for _, contributor := range g.turnOrder {
					require.Equal(t, 1, seen[contributor], "contributions of %s to book %s", contributor, pid)
				}
			}
		})
	}
}

func TestRotationIsPermutationEachOp(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"), human("c"), human("d"), human("e"))

	for g.state != stateFinished {
		if g.state != statePrompting {
			targets := map[string]bool{}
			for _, task := range g.assignments {
				assert.False(t, targets[task.BookOwner], "book %s targeted twice in op %d", task.BookOwner, g.op)
				targets[task.BookOwner] = true
			}
			assert.Len(t, targets, len(g.turnOrder), "op %d must target every book", g.op)
		}

		pending := make(map[string]Task, len(g.assignments))
		for pid, task := range g.assignments {
			pending[pid] = task
		}
		for pid, task := range pending {
			switch task.Kind {
			case taskPrompt:
				submit(g, clients[pid], msgSubmitPrompt, "p")
			case taskDraw:
				submit(g, clients[pid], msgSubmitDrawing, "d")
			case taskGuess:
				submit(g, clients[pid], msgSubmitGuess, "g")
			}
		}
	}
}

func TestDoubleSubmissionRejected(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"), human("c"))

	submit(g, clients["a"], msgSubmitPrompt, "first")
	drainClient(clients["a"])
	submit(g, clients["a"], msgSubmitPrompt, "second")

	assert.Equal(t, errNotAssigned.Error(), lastError(t, clients["a"]))
	require.Len(t, g.books["a"], 1)
	assert.Equal(t, "first", g.books["a"][0].Data)
}

func TestWrongPhaseRejected(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	drainClient(clients["a"])
	submit(g, clients["a"], msgSubmitDrawing, "too early")

	assert.Equal(t, errWrongPhase.Error(), lastError(t, clients["a"]))
	assert.Equal(t, statePrompting, g.state)
}

func TestEmptyPromptRejected(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	drainClient(clients["a"])
	submit(g, clients["a"], msgSubmitPrompt, "")

	assert.Equal(t, errEmptyInput.Error(), lastError(t, clients["a"]))
	assert.Empty(t, g.books["a"])
	assert.Contains(t, g.assignments, "a")
}

func TestBotTurnsResolveInline(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), bot("b1"))

	// The bot's prompt is already in its book; only the human is pending.
	require.Equal(t, statePrompting, g.state)
	require.Len(t, g.assignments, 1)
	require.Equal(t, []BookEntry{{Kind: entryPrompt, Data: "stub prompt", Player: "b1", Round: 0}}, g.books["b1"])

	submit(g, clients["a"], msgSubmitPrompt, "human prompt")

	// Op 1: the bot drew the human's prompt inline, so the human's
	// drawing is the only thing blocking the barrier.
	require.Equal(t, stateDrawing, g.state)
	require.Len(t, g.assignments, 1)
	require.Equal(t, "drawing of human prompt", g.books["a"][1].Data)

	submit(g, clients["a"], msgSubmitDrawing, "human drawing")

	require.Equal(t, stateFinished, g.state)
	require.Len(t, g.books["a"], 2)
	require.Len(t, g.books["b1"], 2)
}

func TestAllBotRemainderAdvancesThroughOps(t *testing.T) {
	// One human and three bots: after each human submission every bot
	// contribution resolves inline, so the barrier only ever waits on
	// the human.
	g, clients := newTestGame(t, &stubAgent{}, human("a"), bot("b1"), bot("b2"), bot("b3"))

	playFullGame(t, g, clients)

	require.Equal(t, stateFinished, g.state)
	for _, pid := range g.turnOrder {
		require.Len(t, g.books[pid], 4)
	}
}

func TestDegenerateSinglePlayerFinishesImmediately(t *testing.T) {
	g, _ := newTestGame(t, &stubAgent{}, human("a"))

	assert.Equal(t, stateFinished, g.state)
}

func TestDisconnectDropsAssignmentAndStalls(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"), human("c"))

	submit(g, clients["a"], msgSubmitPrompt, "pa")
	submit(g, clients["b"], msgSubmitPrompt, "pb")

	// c leaves while holding the last pending prompt: the assignment is
	// dropped and the barrier stalls rather than advancing.
	g.handleUnregister(clients["c"])

	assert.Equal(t, statePrompting, g.state)
	assert.Empty(t, g.assignments)
	assert.NotContains(t, g.players, "c")

	// Frozen structures are untouched.
	assert.Len(t, g.turnOrder, 3)
	assert.Contains(t, g.books, "c")
}

func TestAiAssistQuota(t *testing.T) {
	// Six players: floor(6/2)-1 = 2 assists per human.
	g, clients := newTestGame(t, &stubAgent{assistImage: "assisted"},
		human("a"), human("b"), human("c"), human("d"), human("e"), human("f"))

	require.Equal(t, 2, g.quota.limit)

	for _, c := range clients {
		submit(g, c, msgSubmitPrompt, "p")
	}
	require.Equal(t, stateDrawing, g.state)

	ca := clients["a"]
	drainClient(ca)

	assist := func() aiDrawingResultPayload {
		g.handleRequest(gameRequest{client: ca, msg: clientMessage{
			Type:     msgAiAssistDrawing,
			AiAssist: aiAssistPayload{Prompt: "add a hat", Drawing: "canvas"},
		}})

		select {
		case msg := <-ca.send:
			return msg.(serverMessage).Payload.(aiDrawingResultPayload)
		case <-time.After(2 * time.Second):
			t.Fatal("no assist result")
			return aiDrawingResultPayload{}
		}
	}

	first := assist()
	assert.True(t, first.Success)
	assert.Equal(t, "assisted", first.Image)
	assert.Equal(t, 1, first.RemainingAiAssists)

	second := assist()
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.RemainingAiAssists)

	third := assist()
	assert.False(t, third.Success)
	assert.Equal(t, errQuotaExceeded.Error(), third.Error)
	assert.Equal(t, 2, g.quota.used["a"])
}

func TestAiAssistReportsGenerationFailure(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{assistErr: errors.New("boom")},
		human("a"), human("b"), human("c"), human("d"))

	for _, c := range clients {
		submit(g, c, msgSubmitPrompt, "p")
	}
	require.Equal(t, stateDrawing, g.state)

	ca := clients["a"]
	drainClient(ca)
	g.handleRequest(gameRequest{client: ca, msg: clientMessage{
		Type:     msgAiAssistDrawing,
		AiAssist: aiAssistPayload{Prompt: "x", Drawing: "y"},
	}})

	select {
	case msg := <-ca.send:
		result := msg.(serverMessage).Payload.(aiDrawingResultPayload)
		assert.False(t, result.Success)
		assert.Equal(t, errGenerationFailed.Error(), result.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no assist result")
	}

	// A failed assist still consumes quota; the check and increment are
	// a single step.
	assert.Equal(t, 1, g.quota.used["a"])
}

func TestClosedGameDropsQueuedEvents(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	submit(g, clients["a"], msgSubmitPrompt, "pa")

	// The idle reaper closes the room while the run loop still has a
	// detach and a submission queued; draining them must not panic or
	// touch room state.
	g.close()
	g.close()

	assert.False(t, g.handleUnregister(clients["a"]))
	submit(g, clients["b"], msgSubmitPrompt, "pb")
	g.handleRegister(newTestClient("late"))

	assert.True(t, g.closed)
	assert.Contains(t, g.players, "a")
	assert.Empty(t, g.books["b"])
	assert.Equal(t, statePrompting, g.state)
}

func TestGameChatUsesDisplayName(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	for _, c := range clients {
		drainClient(c)
	}

	g.handleRequest(gameRequest{client: clients["b"], msg: clientMessage{
		Type: msgChatMessage,
		Chat: chatPayload{Message: "nice line work"},
	}})

	for _, c := range clients {
		chat, ok := lastChat(t, c)
		require.True(t, ok, "chat must reach player %s", c.playerID)
		assert.Equal(t, "player b", chat.Sender)
		assert.Equal(t, "nice line work", chat.Text)
	}
}

func TestNavigateBook(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))
	playFullGame(t, g, clients)
	require.Equal(t, stateFinished, g.state)

	host := clients[g.hostID]
	other := clients["b"]
	if g.hostID == "b" {
		other = clients["a"]
	}

	navigate := func(c *Client, dir int) {
		g.handleRequest(gameRequest{client: c, msg: clientMessage{
			Type:     msgNavigateBook,
			Navigate: navigatePayload{Direction: dir},
		}})
	}

	drainClient(other)
	navigate(other, 1)
	assert.Equal(t, errNotHost.Error(), lastError(t, other))
	assert.Equal(t, 0, g.displayedBook)

	navigate(host, 1)
	assert.Equal(t, 1, g.displayedBook)

	// Clamped at both ends.
	navigate(host, 1)
	assert.Equal(t, 1, g.displayedBook)
	navigate(host, -1)
	navigate(host, -1)
	assert.Equal(t, 0, g.displayedBook)
}

func TestNavigateBeforeFinishRejected(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	drainClient(clients["a"])
	g.handleRequest(gameRequest{client: clients["a"], msg: clientMessage{
		Type:     msgNavigateBook,
		Navigate: navigatePayload{Direction: 1},
	}})

	assert.Equal(t, errWrongPhase.Error(), lastError(t, clients["a"]))
}

func TestClearCanvasBroadcastsToOthersOnly(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"), human("c"))

	for _, c := range clients {
		drainClient(c)
	}

	g.handleRequest(gameRequest{client: clients["a"], msg: clientMessage{Type: msgClearCanvas}})

	sawClear := func(c *Client) bool {
		for {
			select {
			case msg := <-c.send:
				if sm, ok := msg.(serverMessage); ok && sm.Type == "clear_canvas_instruction" {
					return true
				}
			default:
				return false
			}
		}
	}

	assert.False(t, sawClear(clients["a"]))
	assert.True(t, sawClear(clients["b"]))
	assert.True(t, sawClear(clients["c"]))
}

func TestReconnectResendsPendingTask(t *testing.T) {
	g, clients := newTestGame(t, &stubAgent{}, human("a"), human("b"))

	submit(g, clients["a"], msgSubmitPrompt, "pa")
	submit(g, clients["b"], msgSubmitPrompt, "pb")
	require.Equal(t, stateDrawing, g.state)

	// b's connection flaps without fully leaving: a second tab attaches
	// before the first detaches.
	cb2 := newTestClient("b")
	g.handleRegister(cb2)

	var sawRequest bool
	for {
		var msg any
		select {
		case msg = <-cb2.send:
		default:
			msg = nil
		}
		if msg == nil {
			break
		}
		if sm, ok := msg.(serverMessage); ok && sm.Type == "request_drawing" {
			sawRequest = true
			payload := sm.Payload.(requestDrawingPayload)
			assert.Equal(t, "pa", payload.PromptOrGuess)
			assert.Equal(t, "a", payload.OriginalPlayer)
		}
	}
	assert.True(t, sawRequest, "reconnect must resend the pending drawing task")
}
