package libsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"gopkg.in/inconshreveable/log15.v2"
)

// NewAPI creates the HTTP handler exposing the coordinator: scenario
// submission, run status, results and abort.
func NewAPI(c *Coordinator) http.Handler {
	api := &runAPI{coordinator: c}

	router := mux.NewRouter()
	router.HandleFunc("/runs", api.startRun).Methods("POST")
	router.HandleFunc("/runs", api.listResults).Methods("GET")
	router.HandleFunc("/runs/{run}", api.getRun).Methods("GET")
	router.HandleFunc("/runs/{run}", api.abortRun).Methods("DELETE")
	return router
}

type runAPI struct {
	coordinator *Coordinator
}

type apiError struct {
	Error string `json:"error"`
}

type runStarted struct {
	Run    RunID     `json:"run"`
	Status RunStatus `json:"status"`
}

type runInfo struct {
	Run    RunID       `json:"run"`
	Status RunStatus   `json:"status"`
	Result *TestResult `json:"result,omitempty"`
}

// startRun accepts a scenario as JSON, validates it and schedules a run.
func (api *runAPI) startRun(w http.ResponseWriter, r *http.Request) {
	var scenario TestScenario
	if err := json.NewDecoder(r.Body).Decode(&scenario); err != nil {
		serveError(w, err, http.StatusBadRequest)
		return
	}
	// The run outlives the request: net/http cancels r.Context() as soon as
	// the handler returns. Run lifetime is managed through AbortRun and
	// Terminate instead.
	id, err := api.coordinator.StartRun(context.Background(), &scenario)
	if err != nil {
		serveError(w, err, http.StatusBadRequest)
		return
	}
	status, _ := api.coordinator.RunStatus(id)
	log15.Info("API: run started", "run", id, "scenario", scenario.Name)
	serveJSON(w, &runStarted{Run: id, Status: status})
}

// listResults returns the results of all finished runs.
func (api *runAPI) listResults(w http.ResponseWriter, r *http.Request) {
	results := api.coordinator.Results()
	out := make([]*runInfo, 0, len(results))
	for id, result := range results {
		out = append(out, &runInfo{Run: id, Status: result.Status, Result: result})
	}
	serveJSON(w, out)
}

// getRun returns the status of one run, including its result if finished.
func (api *runAPI) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := api.requestRun(r)
	if err != nil {
		serveError(w, err, http.StatusBadRequest)
		return
	}
	status, err := api.coordinator.RunStatus(id)
	if err != nil {
		serveError(w, err, http.StatusNotFound)
		return
	}
	info := &runInfo{Run: id, Status: status}
	if result, err := api.coordinator.Result(id); err == nil {
		info.Result = result
	}
	serveJSON(w, info)
}

// abortRun cancels a running scenario.
func (api *runAPI) abortRun(w http.ResponseWriter, r *http.Request) {
	id, err := api.requestRun(r)
	if err != nil {
		serveError(w, err, http.StatusBadRequest)
		return
	}
	if err := api.coordinator.AbortRun(id); err != nil {
		serveError(w, err, http.StatusNotFound)
		return
	}
	serveOK(w)
}

// requestRun parses the run ID from the URL.
func (api *runAPI) requestRun(r *http.Request) (RunID, error) {
	runString := mux.Vars(r)["run"]
	run, err := strconv.Atoi(runString)
	if err != nil {
		return 0, fmt.Errorf("invalid run id %q", runString)
	}
	return RunID(run), nil
}

func serveJSON(w http.ResponseWriter, value interface{}) {
	resp, err := json.Marshal(value)
	if err != nil {
		log15.Error("API: internal error while encoding response", "error", err)
		serveError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func serveOK(w http.ResponseWriter) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "null")
}

func serveError(w http.ResponseWriter, err error, status int) {
	resp, _ := json.Marshal(&apiError{Error: err.Error()})
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}
