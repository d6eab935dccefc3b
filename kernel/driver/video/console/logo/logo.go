// Package logo contains logos that can be used with a framebuffer console.
package logo

import "image/color"

// ConsoleLogo defines the logo used by framebuffer consoles. If set to nil
// then no logo will be displayed.
var ConsoleLogo *Image

// availableLogos is populated by the init() function of each generated
// logo file (see tools/makelogo); BestFit picks the best match out of this
// list for a given console resolution.
var availableLogos []*Image

// Alignment defines the supported horizontal alignments for a console logo.
type Alignment uint8

const (
	// AlignLeft aligns the logo to the left side of the console.
	AlignLeft Alignment = iota

	// AlignCenter aligns the logo to the center of the console.
	AlignCenter

	// AlignRight aligns the logo to the right side of the console.
	AlignRight
)

// Image describes an 8bpp image with an associated color palette.
type Image struct {
	// The width and height of the logo in pixels.
	Width  uint32
	Height uint32

	// Align specifies the horizontal alignment for the logo.
	Align Alignment

	// TransparentIndex defines a color index that will be treated as
	// transparent when drawing the logo.
	TransparentIndex uint8

	// The palette for the logo; each byte of Data is an index into it.
	Palette []color.RGBA

	// The logo data comprises of Width*Height bytes where each byte
	// represents an index in the logo palette.
	Data []uint8
}

// BestFit returns the logo from availableLogos whose height uses no more
// than a tenth of the console's vertical resolution, preferring the
// tallest logo that still fits. If no logo fits, the shortest registered
// logo is returned so that something is always displayable on very small
// consoles. It returns nil if no logo has been registered.
func BestFit(consW, consH uint32) *Image {
	_ = consW

	if len(availableLogos) == 0 {
		return nil
	}

	threshold := consH / 10

	var best *Image
	for _, candidate := range availableLogos {
		if candidate.Height > threshold {
			continue
		}
		if best == nil || candidate.Height > best.Height {
			best = candidate
		}
	}

	if best == nil {
		best = availableLogos[0]
		for _, candidate := range availableLogos[1:] {
			if candidate.Height < best.Height {
				best = candidate
			}
		}
	}

	return best
}
