package models

import "testing"

func TestValidateRect(t *testing.T) {
	cases := []struct {
		name       string
		x, y, w, h float64
		ok         bool
	}{
		{"full_page", 0, 0, 1, 1, true},
		{"interior", 0.25, 0.5, 0.1, 0.1, true},
		{"touches_edge_within_epsilon", 0.9, 0.9, 0.1 + 1e-10, 0.1, true},
		{"negative_origin", -0.01, 0, 0.5, 0.5, false},
		{"zero_width", 0.1, 0.1, 0, 0.5, false},
		{"negative_height", 0.1, 0.1, 0.5, -0.2, false},
		{"overflows_right", 0.8, 0.1, 0.3, 0.1, false},
		{"overflows_bottom", 0.1, 0.95, 0.1, 0.1, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateRect(c.x, c.y, c.w, c.h)
			if c.ok && err != nil {
				t.Fatalf("unexpected: %v", err)
			}
			if !c.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
