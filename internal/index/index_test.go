package index

import (
	"errors"
	"strconv"
	"testing"
)

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		wantErr bool
	}{
		{name: "nil filter", filter: nil, wantErr: false},
		{name: "empty filter", filter: Filter{}, wantErr: false},
		{name: "equality", filter: Filter{Eq("source", "wiki")}, wantErr: false},
		{name: "numeric range", filter: Filter{Gte("year", 2020), Lte("year", 2024)}, wantErr: false},
		{name: "mixed", filter: Filter{Eq("lang", "en"), Gte("score", 0.5)}, wantErr: false},
		{name: "empty field", filter: Filter{{Field: "", Op: OpEq, Value: "x"}}, wantErr: true},
		{name: "unknown operator", filter: Filter{{Field: "f", Op: "contains", Value: "x"}}, wantErr: true},
		{name: "non-numeric range value", filter: Filter{{Field: "year", Op: OpGte, Value: "abc"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFilter) {
					t.Errorf("Validate() = %v, want ErrUnsupportedFilter", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestPredicateBuilders(t *testing.T) {
	if got := Eq("source", "wiki"); got != (Predicate{Field: "source", Op: OpEq, Value: "wiki"}) {
		t.Errorf("Eq() = %+v", got)
	}
	gte := Gte("year", 2020)
	if gte.Op != OpGte || gte.Field != "year" {
		t.Errorf("Gte() = %+v", gte)
	}
	if v, err := strconv.ParseFloat(gte.Value, 64); err != nil || v != 2020 {
		t.Errorf("Gte() value = %q, want numeric 2020", gte.Value)
	}
	lte := Lte("score", 0.75)
	if v, err := strconv.ParseFloat(lte.Value, 64); err != nil || v != 0.75 {
		t.Errorf("Lte() value = %q, want numeric 0.75", lte.Value)
	}
}

func TestValidateEntries(t *testing.T) {
	valid := []Entry{
		{ID: "d:0", DocumentID: "d", Vector: []float32{1, 0, 0}},
		{ID: "d:1", DocumentID: "d", Vector: []float32{0, 1, 0}},
	}
	if err := ValidateEntries(valid); err != nil {
		t.Errorf("ValidateEntries(valid) = %v", err)
	}
	if err := ValidateEntries(nil); err != nil {
		t.Errorf("ValidateEntries(nil) = %v", err)
	}

	tests := []struct {
		name    string
		entries []Entry
	}{
		{name: "missing id", entries: []Entry{{DocumentID: "d", Vector: []float32{1}}}},
		{name: "missing document id", entries: []Entry{{ID: "d:0", Vector: []float32{1}}}},
		{name: "dimension mismatch", entries: []Entry{
			{ID: "d:0", DocumentID: "d", Vector: []float32{1, 0}},
			{ID: "d:1", DocumentID: "d", Vector: []float32{1}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateEntries(tt.entries); err == nil {
				t.Error("ValidateEntries() = nil, want error")
			}
		})
	}
}

func TestQdrantFilterConditions(t *testing.T) {
	conds := buildConditions(Filter{
		Eq("source", "wiki"),
		Eq("year", "2024"),
		Gte("score", 0.5),
		Eq(FieldDocumentID, "1234"),
	})
	if len(conds) != 4 {
		t.Fatalf("buildConditions() returned %d conditions, want 4", len(conds))
	}

	// String equality uses a keyword match.
	if conds[0].GetField().GetMatch().GetKeyword() != "wiki" {
		t.Errorf("string equality condition = %+v", conds[0])
	}
	// Numeric-looking equality becomes a closed range so it matches
	// payloads stored as doubles.
	yr := conds[1].GetField().GetRange()
	if yr == nil || yr.Gte == nil || yr.Lte == nil || *yr.Gte != 2024 || *yr.Lte != 2024 {
		t.Errorf("numeric equality condition = %+v", conds[1])
	}
	rng := conds[2].GetField().GetRange()
	if rng == nil || rng.Gte == nil || *rng.Gte != 0.5 || rng.Lte != nil {
		t.Errorf("gte condition = %+v", conds[2])
	}
	// Reserved keys are stored as strings even when numeric-looking,
	// so equality stays a keyword match.
	if conds[3].GetField().GetMatch().GetKeyword() != "1234" {
		t.Errorf("document id condition = %+v", conds[3])
	}

	if qdrantFilter(nil) != nil {
		t.Error("qdrantFilter(nil) should be nil")
	}
}

func TestPointIDIsStable(t *testing.T) {
	a := pointID("doc:3")
	b := pointID("doc:3")
	c := pointID("doc:4")
	if a.GetUuid() != b.GetUuid() {
		t.Error("same chunk id produced different point ids")
	}
	if a.GetUuid() == c.GetUuid() {
		t.Error("different chunk ids produced the same point id")
	}
}
