/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Rejection errors for room actions. All of these are recoverable: the
// offending request is answered with an error payload sent only to the
// requester, and room state is left untouched.
var (
	errNotHost             = errors.New("only the host may do that")
	errRoomFull            = errors.New("the room is full")
	errNoBotToRemove       = errors.New("there is no bot to remove")
	errInsufficientPlayers = errors.New("not enough players to start")
	errWrongPhase          = errors.New("that action is not valid right now")
	errNotAssigned         = errors.New("you have no pending task of that kind")
	errEmptyInput          = errors.New("submission must not be empty")
	errQuotaExceeded       = errors.New("no AI assists remaining")
	errGenerationFailed    = errors.New("generation service failed")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
