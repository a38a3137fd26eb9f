package validator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Record is one finished validation run.
type Record struct {
	Seed     uint32        `json:"seed"`
	Result   Result        `json:"result"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

func newRecord(seed uint32, res Result, err error, started time.Time, d time.Duration) Record {
	r := Record{
		Seed:     seed,
		Result:   res,
		Passed:   err == nil && res.Passed(),
		Started:  started,
		Duration: d,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// History keeps the last size records, oldest first.
type History struct {
	mu      sync.Mutex
	size    int
	records deque.Deque[Record]
	notify  chan struct{}
}

func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	h := &History{
		size:   size,
		notify: make(chan struct{}, 1),
	}
	h.records.Grow(size)
	return h
}

func (h *History) Add(r Record) {
	h.mu.Lock()
	if h.records.Len() == h.size {
		h.records.PopFront()
	}
	h.records.PushBack(r)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Updates signals that a record was added since the last receive.
func (h *History) Updates() <-chan struct{} {
	return h.notify
}

func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, h.records.Len())
	for i := range out {
		out[i] = h.records.At(i)
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records.Len()
}

// HistoryHandler serves the recorded runs as JSON.
func HistoryHandler(h *History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.Records()); err != nil {
			slog.Error("Failed to encode validation history", "error", err)
			http.Error(w, "Failed to serialize history", http.StatusInternalServerError)
		}
	}
}
