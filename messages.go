package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Every websocket frame, in both directions, is a tagged envelope:
// {"type": "...", "payload": {...}}. Client payloads are decoded into
// the typed structs below; unknown types are rejected here rather than
// in each handler.

const (
	msgJoin            = "join"
	msgChatMessage     = "chat_message"
	msgAddBot          = "add_bot"
	msgRemoveBot       = "remove_bot"
	msgStartGame       = "start_game"
	msgSubmitPrompt    = "submit_prompt"
	msgSubmitDrawing   = "submit_drawing"
	msgSubmitGuess     = "submit_guess"
	msgClearCanvas     = "clear_canvas"
	msgAiAssistDrawing = "ai_assist_drawing"
	msgNavigateBook    = "navigate_book"
)

var errUnknownMessageType = errors.New("unknown message type")

type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Name string `json:"name"`
}

type chatPayload struct {
	Message string `json:"message"`
}

type promptPayload struct {
	Prompt string `json:"prompt"`
}

type drawingPayload struct {
	Drawing string `json:"drawing"`
}

type guessPayload struct {
	Guess string `json:"guess"`
}

type aiAssistPayload struct {
	Prompt  string `json:"prompt"`
	Drawing string `json:"drawing"`
}

type navigatePayload struct {
	Direction int `json:"direction"`
}

// clientMessage is the decoded form of a client envelope. Exactly one of
// the payload fields is populated, matching Type.
type clientMessage struct {
	Type     string
	Join     joinPayload
	Chat     chatPayload
	Prompt   promptPayload
	Drawing  drawingPayload
	Guess    guessPayload
	AiAssist aiAssistPayload
	Navigate navigatePayload
}

func decodeClientMessage(data []byte) (clientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return clientMessage{}, fmt.Errorf("malformed envelope: %w", err)
	}

	msg := clientMessage{Type: env.Type}

	var dst any
	switch env.Type {
	case msgJoin:
		dst = &msg.Join
	case msgChatMessage:
		dst = &msg.Chat
	case msgSubmitPrompt:
		dst = &msg.Prompt
	case msgSubmitDrawing:
		dst = &msg.Drawing
	case msgSubmitGuess:
		dst = &msg.Guess
	case msgAiAssistDrawing:
		dst = &msg.AiAssist
	case msgNavigateBook:
		dst = &msg.Navigate
	case msgAddBot, msgRemoveBot, msgStartGame, msgClearCanvas:
		return msg, nil
	default:
		return clientMessage{}, fmt.Errorf("%w: %q", errUnknownMessageType, env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return clientMessage{}, fmt.Errorf("malformed %q payload: %w", env.Type, err)
		}
	}

	return msg, nil
}

// serverMessage wraps an outgoing payload in the envelope format.
type serverMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// playerInfo is the client-facing view of a player.
type playerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsHost    bool   `json:"isHost,omitempty"`
	IsBot     bool   `json:"isBot,omitempty"`
	Connected bool   `json:"connected"`
}

type roomUpdatePayload struct {
	RoomName string       `json:"roomName"`
	Players  []playerInfo `json:"players"`
	BotCount int          `json:"botCount"`
}

type chatBroadcastPayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type notificationPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type gameStartedPayload struct {
	GameKey string `json:"gameKey"`
}

type gameStatePayload struct {
	State               string                `json:"state"`
	Players             map[string]playerInfo `json:"players"`
	CurrentDisplayRound int                   `json:"currentDisplayRound"`
	TotalDisplayRounds  int                   `json:"totalDisplayRounds"`
	WaitingOn           []string              `json:"waitingOn"`
	TurnOrder           []string              `json:"turnOrder"`
	MaxAiAssistsAllowed int                   `json:"maxAiAssistsAllowed"`
	AiAssistUsage       map[string]int        `json:"aiAssistUsage"`
}

type requestDrawingPayload struct {
	PromptOrGuess  string `json:"promptOrGuess"`
	OriginalPlayer string `json:"originalPlayer"`
	Round          int    `json:"round"`
}

type requestGuessPayload struct {
	DrawingData    string `json:"drawingData"`
	OriginalPlayer string `json:"originalPlayer"`
	Round          int    `json:"round"`
}

type aiDrawingResultPayload struct {
	Success            bool   `json:"success"`
	Image              string `json:"image,omitempty"`
	Error              string `json:"error,omitempty"`
	RemainingAiAssists int    `json:"remainingAiAssists"`
}

type gameOverPayload struct {
	Books     map[string][]BookEntry `json:"books"`
	Players   map[string]playerInfo  `json:"players"`
	TurnOrder []string               `json:"turnOrder"`
}

type displayedBookPayload struct {
	BookIndex int `json:"bookIndex"`
}

func errorMessage(text string) serverMessage {
	return serverMessage{Type: "error", Payload: errorPayload{Message: text}}
}

func notifyMessage(text, level string) serverMessage {
	return serverMessage{Type: "notification", Payload: notificationPayload{Message: text, Level: level}}
}

func chatMessage(sender, text string) serverMessage {
	return serverMessage{Type: "chat", Payload: chatBroadcastPayload{Sender: sender, Text: text}}
}
