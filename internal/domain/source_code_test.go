package domain

import (
	"strings"
	"testing"
)

func TestSourceCodeValidate(t *testing.T) {
	valid := SourceCode{
		UID: "fraud-train-v2",
		Processes: []ProcessDef{
			{Code: "ingest", FunctionCode: "fn-ingest"},
			{Code: "train", FunctionCode: "fn-train"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name string
		sc   SourceCode
	}{
		{"empty uid", SourceCode{Processes: valid.Processes}},
		{"uid too long", SourceCode{UID: strings.Repeat("x", 65), Processes: valid.Processes}},
		{"no processes", SourceCode{UID: "a"}},
		{"missing function ref", SourceCode{UID: "a", Processes: []ProcessDef{{Code: "p"}}}},
		{"duplicate process code", SourceCode{UID: "a", Processes: []ProcessDef{
			{Code: "p", FunctionCode: "f"},
			{Code: "p", FunctionCode: "f"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.sc.Validate(); !IsIntegrityViolation(err) {
				t.Fatalf("expected integrity violation, got %v", err)
			}
		})
	}
}

func TestOrderedProcessesStableByOrder(t *testing.T) {
	sc := SourceCode{
		UID: "a",
		Processes: []ProcessDef{
			{Code: "c", FunctionCode: "f", Order: 2},
			{Code: "a", FunctionCode: "f", Order: 0},
			{Code: "b", FunctionCode: "f", Order: 1},
		},
	}
	ordered := sc.OrderedProcesses()
	got := []string{ordered[0].Code, ordered[1].Code, ordered[2].Code}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestParseSourceCodeDefinition(t *testing.T) {
	raw := []byte(`
uid: churn-pipeline
revision: 3
company_id: acme
processes:
  - code: extract
    function: fn-extract
    outputs:
      - name: rows
        required: true
  - code: score
    function: fn-score
    priority: 5
    condition: "rows > 0"
    metas:
      permutation_variables: "alpha,beta"
`)
	def, err := ParseSourceCodeDefinition(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc := def.ToSourceCode()
	if sc.UID != "churn-pipeline" || sc.Revision != 3 || sc.CompanyID != "acme" {
		t.Fatalf("unexpected header fields: %+v", sc)
	}
	if len(sc.Processes) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(sc.Processes))
	}
	if sc.Processes[0].Order != 0 || sc.Processes[1].Order != 1 {
		t.Fatal("declaration order must be preserved")
	}
	if sc.Processes[1].Metas.StringValue("permutation_variables") != "alpha,beta" {
		t.Fatalf("metas lost: %+v", sc.Processes[1].Metas)
	}
	if err := sc.Validate(); err != nil {
		t.Fatalf("parsed template must validate: %v", err)
	}
}

func TestParseChecksumEntry(t *testing.T) {
	pair, err := ParseChecksumEntry("abc123:c2ln")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pair.Checksum != "abc123" || pair.Signature != "c2ln" {
		t.Fatalf("unexpected pair %+v", pair)
	}

	pair, err = ParseChecksumEntry("abc123")
	if err != nil {
		t.Fatalf("checksum without signature must parse: %v", err)
	}
	if pair.Signature != "" {
		t.Fatalf("expected empty signature, got %q", pair.Signature)
	}

	if _, err := ParseChecksumEntry("  "); !IsIntegrityViolation(err) {
		t.Fatalf("empty entry must be rejected, got %v", err)
	}
	if _, err := ParseChecksumEntry(":sig"); !IsIntegrityViolation(err) {
		t.Fatalf("empty checksum part must be rejected, got %v", err)
	}
}
