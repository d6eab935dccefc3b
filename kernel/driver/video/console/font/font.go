// Package font classifies runes by the number of glyph cells they need on a
// console that renders one fixed-size glyph per byte, such as the VGA text
// console (kernel/driver/video/console.Ega): there is no CJK glyph set to
// render from, so a rune the active table can't draw falls back to a
// placeholder sized to match the rune's real on-screen width instead of
// always consuming a single cell.
package font

import "golang.org/x/text/width"

// Width reports how many console cells r occupies when rendered through a
// fallback placeholder. East Asian Wide and Fullwidth runes need two
// cells; everything else needs one.
func Width(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}
