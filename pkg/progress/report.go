package progress

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Report is one progress update from a backfill worker on this node.
type Report struct {
	Resource uuid.UUID `json:"resource"`
	Source   string    `json:"source"`
	Fraction float64   `json:"fraction"`
	Done     bool      `json:"done,omitempty"`
}

// ReportHandler accepts POSTed reports and applies them to t. The body is a
// single Report or an array of them.
func (t *Tracker) ReportHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var raw json.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&raw); err != nil {
			http.Error(w, "bad progress report: "+err.Error(), http.StatusBadRequest)
			return
		}
		var reports []Report
		if len(raw) > 0 && raw[0] == '[' {
			if err := json.Unmarshal(raw, &reports); err != nil {
				http.Error(w, "bad progress report: "+err.Error(), http.StatusBadRequest)
				return
			}
		} else {
			var one Report
			if err := json.Unmarshal(raw, &one); err != nil {
				http.Error(w, "bad progress report: "+err.Error(), http.StatusBadRequest)
				return
			}
			reports = []Report{one}
		}
		for _, rep := range reports {
			if rep.Resource == uuid.Nil || rep.Source == "" {
				http.Error(w, "progress report needs resource and source", http.StatusBadRequest)
				return
			}
		}
		for _, rep := range reports {
			if rep.Done {
				t.Done(rep.Resource, rep.Source)
			} else {
				t.Update(rep.Resource, rep.Source, rep.Fraction)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
