package postgres

import "testing"

func TestVectorSerialization(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want string
	}{
		{"empty", nil, "[]"},
		{"single", []float32{1}, "[1]"},
		{"multi", []float32{0.5, -2, 3.25}, "[0.5,-2,3.25]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializeVector(tt.in)
			if got != tt.want {
				t.Errorf("serializeVector = %q, want %q", got, tt.want)
			}
			back := deserializeVector(got)
			if len(back) != len(tt.in) {
				t.Fatalf("round trip length = %d, want %d", len(back), len(tt.in))
			}
			for i := range back {
				if back[i] != tt.in[i] {
					t.Errorf("round trip [%d] = %v, want %v", i, back[i], tt.in[i])
				}
			}
		})
	}
}

func TestDeserializeVectorBadInput(t *testing.T) {
	if v := deserializeVector("[1,notanumber]"); v != nil {
		t.Errorf("bad input parsed to %v", v)
	}
	if v := deserializeVector(""); v != nil {
		t.Errorf("empty input parsed to %v", v)
	}
}

func TestHNSWWithClause(t *testing.T) {
	s := New(nil)
	if got := s.hnswWithClause(); got != "" {
		t.Errorf("default clause = %q", got)
	}
	s = New(nil, WithHNSWM(32), WithEFConstruction(128))
	if got := s.hnswWithClause(); got != " WITH (m = 32, ef_construction = 128)" {
		t.Errorf("clause = %q", got)
	}
	s = New(nil, WithEmbeddingDimension(768))
	if got := s.vectorType(); got != "vector(768)" {
		t.Errorf("vector type = %q", got)
	}
}
