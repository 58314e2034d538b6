package httpapi

import (
	"html/template"
	"net/http"
	"sort"

	"github.com/fathomops/shoresync/internal/shoresync"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>shoresync</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; background: #10151c; color: #d8dee9; }
h1 { font-size: 1.2rem; }
h2 { font-size: 1rem; margin-top: 1.5rem; }
table { border-collapse: collapse; margin-top: 0.5rem; }
td, th { border: 1px solid #2e3440; padding: 0.3rem 0.7rem; text-align: left; }
.ok { color: #a3be8c; }
.bad { color: #bf616a; }
.warn { color: #ebcb8b; }
</style>
</head>
<body>
<h1>shoresync node</h1>
<table>
<tr><th>Mode</th><td>{{.Engine.Mode}}</td></tr>
<tr><th>Online</th><td class="{{if .Engine.Online}}ok{{else}}bad{{end}}">{{.Engine.Online}}</td></tr>
<tr><th>Syncing</th><td>{{.Engine.Syncing}}</td></tr>
<tr><th>Last sync</th><td>{{.Engine.LastSync}}</td></tr>
<tr><th>Pending</th><td>{{.Engine.PendingChanges}}</td></tr>
{{if .HasNetwork}}<tr><th>Link tier</th><td>{{.Network.Tier}}</td></tr>{{end}}
</table>

<h2>Queue</h2>
<table>
<tr><th>Total</th><th>Unsynced</th><th>Failed</th></tr>
<tr><td>{{.Stats.Total}}</td><td>{{.Stats.Unsynced}}</td>
<td class="{{if gt .Stats.Failed 0}}bad{{else}}ok{{end}}">{{.Stats.Failed}}</td></tr>
</table>

<h2>Missions</h2>
{{if .Missions}}
<table>
<tr><th>ID</th><th>Status</th><th>Progress</th><th>Step</th></tr>
{{range .Missions}}
<tr><td>{{.MissionID}}</td>
<td class="{{if eq .Status "failed"}}bad{{else if eq .Status "active"}}ok{{else}}warn{{end}}">{{.Status}}</td>
<td>{{printf "%.0f%%" .Progress}}</td>
<td>{{.CurrentStep}}/{{.TotalSteps}}</td></tr>
{{end}}
</table>
{{else}}<p>no missions tracked</p>{{end}}
</body>
</html>
`))

type dashboardData struct {
	Engine     shoresync.EngineStatus
	HasNetwork bool
	Network    shoresync.NetworkStatus
	Stats      shoresync.QueueStats
	Missions   []shoresync.MissionState
}

// handleDashboard renders a self-refreshing operator view. Unauthenticated
// like /health: read-only, served on the same bind address an operator
// already reaches.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{Engine: s.engine.Status()}
	if s.monitor != nil {
		data.HasNetwork = true
		data.Network = s.monitor.Status()
	}
	if stats, err := s.queue.Stats(r.Context()); err == nil {
		data.Stats = stats
	}
	if s.missions != nil {
		data.Missions = s.missions.AllMissions()
		sort.Slice(data.Missions, func(i, j int) bool {
			return data.Missions[i].MissionID < data.Missions[j].MissionID
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		s.logger.Warn().Err(err).Msg("dashboard render failed")
	}
}
