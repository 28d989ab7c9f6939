/*
Copyright © 2026 sbrin
*/

package main

import (
	"encoding/json"
	"log"
	"time"
)

// Analytics event taxonomy, logged as single-line JSON. The timeout
// events are part of the vocabulary for downstream consumers even though
// no inactivity timer drives state here.
const (
	analyticsSelectedGender = "selected_gender"
	analyticsQueued         = "queued"
	analyticsPartnerFound   = "partner_found"
	analyticsStartPressed   = "start_pressed"
	analyticsSessionStarted = "session_started"
	analyticsStepShown      = "step_shown"
	analyticsChoiceMade     = "choice_made"
	analyticsTimeoutWarn    = "timeout_warn"
	analyticsTimeoutEnd     = "timeout_end"
	analyticsDisconnect     = "disconnect"
	analyticsSessionEnd     = "session_end"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// logEvent writes one analytics event as a JSON line, regardless of the
// verbose flag; these lines are the product's funnel data, not debug
// output.
func logEvent(cfg *Config, event string, payload map[string]any) {
	entry := map[string]any{
		"event": event,
		"ts":    time.Now().Format(logDate),
	}
	for k, v := range payload {
		if v == nil || v == "" {
			continue
		}
		entry[k] = v
	}

	line, err := json.Marshal(entry)
	if err != nil {
		logf(cfg, "ANALYTICS: marshal error: %v", err)
		return
	}
	log.Println(string(line))
}
