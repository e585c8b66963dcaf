package microtetherdb

import "testing"

func TestEvaluatePredicate(t *testing.T) {
	cases := []struct {
		name      string
		doc       Document
		predicate Document
		want      bool
	}{
		{
			name:      "implicit equality matches",
			doc:       Document{"name": "John"},
			predicate: Document{"name": "John"},
			want:      true,
		},
		{
			name:      "implicit equality mismatches",
			doc:       Document{"name": "John"},
			predicate: Document{"name": "Jane"},
			want:      false,
		},
		{
			name:      "$gt on a numeric field",
			doc:       Document{"age": float64(30)},
			predicate: Document{"age": Document{"$gt": float64(25)}},
			want:      true,
		},
		{
			name:      "$gt fails silently on a non-numeric field",
			doc:       Document{"age": "thirty"},
			predicate: Document{"age": Document{"$gt": float64(25)}},
			want:      false,
		},
		{
			name:      "$ne matches when the field is absent",
			doc:       Document{},
			predicate: Document{"age": Document{"$ne": float64(1)}},
			want:      true,
		},
		{
			name:      "$exists false matches an absent field",
			doc:       Document{},
			predicate: Document{"age": Document{"$exists": false}},
			want:      true,
		},
		{
			name:      "$exists true fails for an absent field",
			doc:       Document{},
			predicate: Document{"age": Document{"$exists": true}},
			want:      false,
		},
		{
			name:      "$in matches a member",
			doc:       Document{"tag": "red"},
			predicate: Document{"tag": Document{"$in": []any{"red", "blue"}}},
			want:      true,
		},
		{
			name:      "$contains matches an array member",
			doc:       Document{"a": []any{float64(1), float64(2), float64(3)}},
			predicate: Document{"a": Document{"$contains": float64(2)}},
			want:      true,
		},
		{
			name:      "$contains misses an absent array member",
			doc:       Document{"a": []any{float64(1), float64(2), float64(3)}},
			predicate: Document{"a": Document{"$contains": float64(5)}},
			want:      false,
		},
		{
			name:      "$contains matches a substring",
			doc:       Document{"s": "hello world"},
			predicate: Document{"s": Document{"$contains": "world"}},
			want:      true,
		},
		{
			name:      "multiple field predicates are conjunctive",
			doc:       Document{"age": float64(30), "name": "John"},
			predicate: Document{"age": Document{"$gte": float64(30)}, "name": "John"},
			want:      true,
		},
		{
			name:      "$limit is ignored by the evaluator",
			doc:       Document{"a": float64(1)},
			predicate: Document{"a": float64(1), "$limit": float64(10)},
			want:      true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluatePredicate(tc.doc, tc.predicate)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
