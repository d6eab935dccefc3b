// Package framebuffer implements an RGB pixel console backed by a linear
// framebuffer (kernel/hal/firmware.FramebufferTypeRGB). It composites with
// github.com/fogleman/gg the same way iansmith-mazarin's mazboot kernel
// draws onto its Bochs framebuffer (src/mazboot/golang/main/gg_circle_qemu.go):
// render into an in-memory RGBA backbuffer, then copy it byte-for-byte into
// the physical framebuffer.
//
// Only 32bpp XRGB8888 little-endian framebuffers are supported, matching
// the layout every multiboot2-compliant BIOS/VBE/Bochs framebuffer this
// kernel has been booted under actually reports; other depths are left
// unimplemented rather than guessed at.
package framebuffer

import (
	"image"
	"image/color"
	"unsafe"

	"github.com/fogleman/gg"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/driver/video/console/logo"
)

var errUnsupportedDepth = &kernel.Error{Module: "framebuffer", Message: "only 32bpp XRGB8888 framebuffers are supported"}

// FB is a pixel console backed by a physical linear framebuffer.
type FB struct {
	width, height int
	pitch         int
	physAddr      uintptr
	bpp           uint8

	ctx *gg.Context
}

// Init prepares the backbuffer for a framebuffer of the given geometry. It
// returns errUnsupportedDepth for any bpp other than 32.
func (fb *FB) Init(width, height, pitch int, bpp uint8, physAddr uintptr) *kernel.Error {
	if bpp != 32 {
		return errUnsupportedDepth
	}

	fb.width, fb.height, fb.pitch, fb.bpp, fb.physAddr = width, height, pitch, bpp, physAddr
	fb.ctx = gg.NewContext(width, height)
	return nil
}

// SetBannerFont installs a TrueType font, parsed via golang/freetype, for
// use by DrawBanner in place of gg's built-in fallback face. fontBytes is
// expected to come from a //go:embed'd typeface; this kernel ships none by
// default, so until a caller installs one DrawBanner uses gg's default
// face (golang.org/x/image/font/basicfont, wired in transitively by gg).
func (fb *FB) SetBannerFont(fontBytes []byte, points float64) *kernel.Error {
	parsed, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return &kernel.Error{Module: "framebuffer", Message: "parse font: " + err.Error()}
	}

	var face font.Face = truetype.NewFace(parsed, &truetype.Options{Size: points})
	fb.ctx.SetFontFace(face)
	return nil
}

// DrawLogo composites img (an 8bpp paletted bitmap, e.g. logo.ConsoleLogo)
// onto the backbuffer at (x, y), honoring img.TransparentIndex.
func (fb *FB) DrawLogo(img *logo.Image, x, y int) {
	if img == nil {
		return
	}

	pal := make(color.Palette, len(img.Palette))
	for i, c := range img.Palette {
		if i == int(img.TransparentIndex) {
			pal[i] = color.Transparent
			continue
		}
		pal[i] = c
	}

	paletted := &image.Paletted{
		Pix:     img.Data,
		Stride:  int(img.Width),
		Rect:    image.Rect(0, 0, int(img.Width), int(img.Height)),
		Palette: pal,
	}

	fb.ctx.DrawImage(paletted, x, y)
}

// DrawBanner draws text centered horizontally at the given y coordinate.
func (fb *FB) DrawBanner(text string, y float64) {
	fb.ctx.SetRGB(1, 1, 1)
	fb.ctx.DrawStringAnchored(text, float64(fb.width)/2, y, 0.5, 0.5)
}

// Flush copies the composited backbuffer into the physical framebuffer.
func (fb *FB) Flush() {
	im, ok := fb.ctx.Image().(*image.RGBA)
	if !ok {
		return
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(fb.physAddr)), fb.pitch*fb.height)
	srcPix, srcStride := im.Pix, im.Stride

	for row := 0; row < fb.height; row++ {
		srcRow := srcPix[row*srcStride:]
		dstRow := dst[row*fb.pitch:]
		for col := 0; col < fb.width; col++ {
			si, di := col*4, col*4
			r, g, b, a := srcRow[si+0], srcRow[si+1], srcRow[si+2], srcRow[si+3]
			dstRow[di+0] = b
			dstRow[di+1] = g
			dstRow[di+2] = r
			dstRow[di+3] = a
		}
	}
}
