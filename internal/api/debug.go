package api

import (
	"net/http"
	"time"

	"autoplan/internal/buildinfo"
)

// DebugJSON reports build info and the configured confirm thresholds.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	}
	if s.Chain != nil {
		opts := s.Chain.Options()
		info["chain"] = map[string]any{
			"limit":          opts.Limit,
			"pushHorizon":    opts.PushHorizon.String(),
			"asyncEnrich":    opts.AsyncEnrich,
			"failUnroutable": opts.FailUnroutable,
		}
		if s.Chain.Policy != nil {
			t := s.Chain.Policy.T
			info["confirm"] = map[string]any{
				"pMin": t.PMin, "rpmMin": t.RPMMin,
				"horizonHours": t.HorizonHours, "freezeHours": t.FreezeHours,
				"allowedStatuses": t.AllowedStatuses, "dynamicRpm": t.Dynamic.Enabled,
			}
		}
	}
	writeJSON(w, http.StatusOK, info)
}
