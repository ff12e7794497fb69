package index

import (
	"reflect"
	"testing"
)

func seedUsers(idx *MemoryIndex) {
	idx.Update("app:users", "app:users:alice", map[string]string{"city": "Berlin", "age": "30"})
	idx.Update("app:users", "app:users:bob", map[string]string{"city": "Munich", "age": "25"})
	idx.Update("app:users", "app:users:charlie", map[string]string{"city": "Berlin", "age": "25"})
}

func TestScanKeysEquality(t *testing.T) {
	idx := NewMemoryIndex()
	seedUsers(idx)

	tests := []struct {
		name string
		pred Predicate
		want []string
	}{
		{
			name: "city equals Berlin",
			pred: Predicate{Field: "city", Op: OpEq, Value: "Berlin"},
			want: []string{"app:users:alice", "app:users:charlie"},
		},
		{
			name: "age equals 25",
			pred: Predicate{Field: "age", Op: OpEq, Value: "25"},
			want: []string{"app:users:bob", "app:users:charlie"},
		},
		{
			name: "no matches",
			pred: Predicate{Field: "city", Op: OpEq, Value: "Paris"},
			want: nil,
		},
		{
			name: "unknown field",
			pred: Predicate{Field: "country", Op: OpEq, Value: "DE"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.ScanKeys("app:users", tt.pred)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ScanKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanKeysNumericComparison(t *testing.T) {
	idx := NewMemoryIndex()
	seedUsers(idx)

	got := idx.ScanKeys("app:users", Predicate{Field: "age", Op: OpGte, Value: "26"})
	want := []string{"app:users:alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ScanKeys(age >= 26) = %v, want %v", got, want)
	}

	// "9" < "10" numerically even though "9" > "10" lexically.
	idx.Update("app:users", "app:users:dave", map[string]string{"age": "9"})
	got = idx.ScanKeys("app:users", Predicate{Field: "age", Op: OpLt, Value: "10"})
	want = []string{"app:users:dave"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ScanKeys(age < 10) = %v, want %v", got, want)
	}
}

func TestScanKeysUnknownCollection(t *testing.T) {
	idx := NewMemoryIndex()
	if got := idx.ScanKeys("crm:leads", Predicate{Field: "city", Op: OpEq, Value: "Berlin"}); got != nil {
		t.Errorf("ScanKeys() on unknown collection = %v, want nil", got)
	}
}

func TestUpdateReplacesFields(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Update("app:users", "app:users:alice", map[string]string{"city": "Berlin"})
	idx.Update("app:users", "app:users:alice", map[string]string{"age": "30"})

	if got := idx.ScanKeys("app:users", Predicate{Field: "city", Op: OpEq, Value: "Berlin"}); got != nil {
		t.Errorf("dropped field still matches: %v", got)
	}
	want := []string{"app:users:alice"}
	if got := idx.ScanKeys("app:users", Predicate{Field: "age", Op: OpEq, Value: "30"}); !reflect.DeepEqual(got, want) {
		t.Errorf("ScanKeys(age = 30) = %v, want %v", got, want)
	}
}

func TestRemove(t *testing.T) {
	idx := NewMemoryIndex()
	seedUsers(idx)

	idx.Remove("app:users", "app:users:charlie")
	got := idx.ScanKeys("app:users", Predicate{Field: "city", Op: OpEq, Value: "Berlin"})
	want := []string{"app:users:alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ScanKeys() after remove = %v, want %v", got, want)
	}

	// Removing the rest drops the collection entirely.
	idx.Remove("app:users", "app:users:alice")
	idx.Remove("app:users", "app:users:bob")
	if got := idx.Collections(); len(got) != 0 {
		t.Errorf("Collections() = %v, want empty", got)
	}

	// Remove on a missing collection is a no-op.
	idx.Remove("crm:leads", "crm:leads:x")
}

func TestPredicateMatches(t *testing.T) {
	tests := []struct {
		pred  Predicate
		value string
		want  bool
	}{
		{Predicate{Field: "city", Op: OpEq, Value: "Berlin"}, "Berlin", true},
		{Predicate{Field: "city", Op: OpNe, Value: "Berlin"}, "Munich", true},
		{Predicate{Field: "age", Op: OpLt, Value: "30"}, "25", true},
		{Predicate{Field: "age", Op: OpLte, Value: "25"}, "25", true},
		{Predicate{Field: "age", Op: OpGt, Value: "25"}, "25", false},
		{Predicate{Field: "age", Op: OpGte, Value: "25"}, "25", true},
		{Predicate{Field: "city", Op: Op("like"), Value: "B%"}, "Berlin", false},
	}

	for _, tt := range tests {
		if got := tt.pred.Matches(tt.value); got != tt.want {
			t.Errorf("Predicate{%s %s %s}.Matches(%q) = %v, want %v",
				tt.pred.Field, tt.pred.Op, tt.pred.Value, tt.value, got, tt.want)
		}
	}
}
