package handlers

import (
	"net/http"
)

type metricsResponse struct {
	Tracked  int            `json:"tracked"`
	ByState  map[string]int `json:"by_state"`
	Watchers int            `json:"watchers"`
}

// Metrics reports the runs held in memory by state and the open event streams.
func (a *App) Metrics(w http.ResponseWriter, _ *http.Request) {
	resp := metricsResponse{ByState: map[string]int{}}
	if a.Runs != nil {
		resp.Tracked = a.Runs.Len()
		for state, n := range a.Runs.Counts() {
			resp.ByState[string(state)] = n
		}
	}
	if a.Events != nil {
		resp.Watchers = a.Events.Watchers()
	}
	a.json(w, http.StatusOK, resp)
}
