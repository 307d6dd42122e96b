/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lobbiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sketchrelay_lobbies_created_total",
		Help: "Number of lobbies opened.",
	})

	gamesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sketchrelay_games_started_total",
		Help: "Number of lobbies promoted to games.",
	})

	gamesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sketchrelay_games_finished_total",
		Help: "Number of games played to completion.",
	})

	generationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sketchrelay_generation_fallbacks_total",
		Help: "Number of generation service calls that failed or were rate limited.",
	})

	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sketchrelay_active_rooms",
		Help: "Number of registered lobbies and games.",
	})
)

func registerMetricsHandler(cfg *Config, mux *httprouter.Router) {
	mux.Handler("GET", cfg.prefix+"/metrics", promhttp.Handler())
}
