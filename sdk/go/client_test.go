package teamlinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidationsDecodeViolationEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/contracts/c1/validations" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"v1","contract_id":"c1","pass":false,"violations":[{"criterion":"no-placeholders","evidence":"banned phrase at summary"}]}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Validations(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Pass {
		t.Fatalf("results %+v", results)
	}
	vs := results[0].Violations
	if len(vs) != 1 || vs[0].Criterion != "no-placeholders" || vs[0].Evidence == "" {
		t.Fatalf("violations %+v", vs)
	}
}

func TestWorkerDeliveryClockAdvances(t *testing.T) {
	w := &Worker{AgentID: "a1"}
	first := w.deliveryClock(Contract{OpenClock: Clock{"team-leader": 3}})
	if first["team-leader"] != 3 || first["a1"] != 1 {
		t.Fatalf("clock %v", first)
	}
	second := w.deliveryClock(Contract{OpenClock: Clock{"team-leader": 5}})
	if second["team-leader"] != 5 || second["a1"] != 2 {
		t.Fatalf("clock %v", second)
	}
}
