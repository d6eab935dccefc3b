package font

import "testing"

func TestWidth(t *testing.T) {
	specs := []struct {
		r   rune
		exp int
	}{
		{'A', 1},
		{'1', 1},
		{' ', 1},
		{'中', 2}, // CJK ideograph (中)
		{'Ａ', 2}, // fullwidth latin A
	}

	for _, spec := range specs {
		if got := Width(spec.r); got != spec.exp {
			t.Errorf("Width(%q): expected %d; got %d", spec.r, spec.exp, got)
		}
	}
}
