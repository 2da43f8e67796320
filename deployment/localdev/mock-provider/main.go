package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

type fetchRequest struct {
	Diseases []string  `json:"diseases"`
	Regions  []string  `json:"regions"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

type reading struct {
	DiseaseID  string    `json:"disease_id"`
	Region     string    `json:"region"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Confidence float64   `json:"confidence"`
}

// mock-provider plays the role of an external surveillance feed for local
// development: it synthesises hourly case counts with a daily cycle and an
// optional flakiness rate to exercise the resilience layer.
func main() {
	var (
		addr      string
		flakiness float64
		latency   time.Duration
	)
	flag.StringVar(&addr, "addr", ":9090", "listen address")
	flag.Float64Var(&flakiness, "flakiness", 0, "fraction of requests answered with 503")
	flag.DurationVar(&latency, "latency", 0, "artificial response delay")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/observations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if latency > 0 {
			time.Sleep(latency)
		}
		if flakiness > 0 && rand.Float64() < flakiness {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req fetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.End.IsZero() || req.Start.IsZero() || !req.End.After(req.Start) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		readings := make([]reading, 0, 64)
		for _, disease := range req.Diseases {
			for _, region := range req.Regions {
				for ts := req.Start.Truncate(time.Hour); ts.Before(req.End); ts = ts.Add(time.Hour) {
					readings = append(readings, reading{
						DiseaseID:  disease,
						Region:     region,
						Timestamp:  ts,
						Value:      syntheticCount(disease, region, ts),
						Unit:       "cases",
						Confidence: 0.85,
					})
				}
			}
		}
		writeJSON(w, map[string]any{"readings": readings})
	})

	logger := log.New(log.Writer(), "mock-provider ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s (flakiness %.2f)", addr, flakiness)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// syntheticCount is a deterministic daily cycle plus small jitter keyed on
// the inputs, so repeated fetches over the same window mostly agree.
func syntheticCount(disease, region string, ts time.Time) float64 {
	base := 50.0 + 10*math.Sin(2*math.Pi*float64(ts.Hour())/24)
	seed := int64(len(disease)*31+len(region)*17) + ts.Unix()/3600
	jitter := float64(seed%7) - 3
	return math.Max(0, base+jitter)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
