package detect

import (
	"strings"
	"testing"

	"teamline/internal/domain"
)

func testRules(t *testing.T) Rules {
	t.Helper()
	rules, err := CompileRules(
		[]string{`(?i)todo[:;]? implement`, `(?i)placeholder`, `(?i)mock (response|data|output)`},
		[]string{`(?i)integrat(?:ed|ion) with ([A-Za-z0-9_.-]+)`},
	)
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return rules
}

var basicCriteria = []domain.Criterion{
	{Name: "summary-present", Field: "summary", Kind: "field"},
	{Name: "artifacts-present", Field: "artifacts", Kind: "field"},
	{Name: "references-verifiable", Field: "references", Kind: "reference"},
}

func TestValidateCleanOutputPasses(t *testing.T) {
	out := []byte(`{
		"summary": "implemented the billing adapter",
		"artifacts": ["billing/adapter.go"],
		"references": ["commit 4f2a9c1 in /billing/adapter.go"]
	}`)
	res := Validate(out, basicCriteria, testRules(t))
	if !res.Pass {
		t.Fatalf("expected pass, got violations %+v", res.Violations)
	}
}

func TestValidateMalformedJSON(t *testing.T) {
	res := Validate([]byte(`{"summary": `), basicCriteria, testRules(t))
	if res.Pass {
		t.Fatal("expected fail")
	}
	if len(res.Violations) != 1 || res.Violations[0].Criterion != "well-formed-output" {
		t.Fatalf("got %+v", res.Violations)
	}
}

func TestValidateMissingAndEmptyFields(t *testing.T) {
	out := []byte(`{"summary": "   ", "references": ["commit 4f2a9c1"]}`)
	res := Validate(out, basicCriteria, testRules(t))
	if res.Pass {
		t.Fatal("expected fail")
	}
	got := map[string]bool{}
	for _, v := range res.Violations {
		got[v.Criterion] = true
	}
	if !got["summary-present"] || !got["artifacts-present"] {
		t.Fatalf("expected summary and artifacts violations, got %+v", res.Violations)
	}
	if got["references-verifiable"] {
		t.Fatalf("references criterion should hold, got %+v", res.Violations)
	}
}

func TestValidateBannedPatterns(t *testing.T) {
	out := []byte(`{
		"summary": "TODO: implement retry logic",
		"artifacts": ["mock response fixture"],
		"references": ["commit 4f2a9c1"]
	}`)
	res := Validate(out, basicCriteria, testRules(t))
	if res.Pass {
		t.Fatal("expected fail")
	}
	var banned int
	for _, v := range res.Violations {
		if v.Criterion == "no-placeholder-output" {
			banned++
		}
	}
	if banned != 2 {
		t.Fatalf("expected 2 banned-pattern violations, got %d: %+v", banned, res.Violations)
	}
}

func TestValidateUnreferencedClaim(t *testing.T) {
	out := []byte(`{
		"summary": "integrated with stripe-api for payment capture",
		"artifacts": ["payments/capture.go"],
		"references": ["commit 4f2a9c1 in /payments/capture.go"]
	}`)
	res := Validate(out, basicCriteria, testRules(t))
	if res.Pass {
		t.Fatal("expected fail")
	}
	found := false
	for _, v := range res.Violations {
		if v.Criterion == "verifiable-reference" && strings.Contains(v.Evidence, "stripe-api") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected verifiable-reference violation for stripe-api, got %+v", res.Violations)
	}
}

func TestValidateReferencedClaimPasses(t *testing.T) {
	out := []byte(`{
		"summary": "integrated with stripe-api for payment capture",
		"artifacts": ["payments/capture.go"],
		"references": ["stripe-api client wired at /payments/capture.go commit 4f2a9c1"]
	}`)
	res := Validate(out, basicCriteria, testRules(t))
	if !res.Pass {
		t.Fatalf("expected pass, got %+v", res.Violations)
	}
}

func TestValidateReferenceWithoutLocator(t *testing.T) {
	out := []byte(`{
		"summary": "done",
		"artifacts": ["a.go"],
		"references": ["trust me"]
	}`)
	res := Validate(out, basicCriteria, testRules(t))
	if res.Pass {
		t.Fatal("expected fail")
	}
	if res.Violations[0].Criterion != "references-verifiable" {
		t.Fatalf("got %+v", res.Violations)
	}
}

func TestValidateDeterministic(t *testing.T) {
	out := []byte(`{
		"b": "placeholder here",
		"a": "TODO: implement",
		"summary": "x",
		"artifacts": ["y"],
		"references": ["commit 4f2a9c1"]
	}`)
	first := Validate(out, basicCriteria, testRules(t))
	for i := 0; i < 20; i++ {
		again := Validate(out, basicCriteria, testRules(t))
		if len(again.Violations) != len(first.Violations) {
			t.Fatalf("violation count changed between runs")
		}
		for j := range again.Violations {
			if again.Violations[j] != first.Violations[j] {
				t.Fatalf("violation order changed: %+v vs %+v", again.Violations, first.Violations)
			}
		}
	}
}

func TestCompileRulesRejectsBadPatterns(t *testing.T) {
	if _, err := CompileRules([]string{`(`}, nil); err == nil {
		t.Fatal("expected error for invalid deny pattern")
	}
	if _, err := CompileRules(nil, []string{`no capture group`}); err == nil {
		t.Fatal("expected error for claim pattern without capture group")
	}
}
