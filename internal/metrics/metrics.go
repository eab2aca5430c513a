// Package metrics exposes the service's prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckinsTotal counts check-in attempts by channel and outcome code.
	CheckinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messattend_checkins_total",
		Help: "Check-in attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// TokensIssued counts issued QR meal tokens.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messattend_qr_tokens_issued_total",
		Help: "QR meal tokens issued.",
	})

	// CloneFlags counts signature-counter regressions.
	CloneFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messattend_clone_flags_total",
		Help: "Suspected cloned authenticators flagged during verification.",
	})

	// RapidRescans counts scans rejected by the per-user cooldown.
	RapidRescans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messattend_rapid_rescans_total",
		Help: "Scans rejected by the per-user cooldown.",
	})
)
