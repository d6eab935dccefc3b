package hal

import (
	"github.com/achilleasa/gokernel/kernel/driver/tty"
	"github.com/achilleasa/gokernel/kernel/driver/video/console"
	"github.com/achilleasa/gokernel/kernel/driver/video/console/framebuffer"
	"github.com/achilleasa/gokernel/kernel/driver/video/console/logo"
	"github.com/achilleasa/gokernel/kernel/hal/firmware"
	"github.com/achilleasa/gokernel/kernel/kfmt/early"
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}

	// bootFramebuffer draws the boot splash on firmware-provided RGB
	// framebuffers; it is independent of ActiveTerminal, which remains
	// the text console for every other kernel message.
	bootFramebuffer framebuffer.FB
)

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup
func InitTerminal() {
	fbInfo := firmware.GetFramebufferInfo()

	egaConsole.Init(uint16(fbInfo.Width), uint16(fbInfo.Height), uintptr(fbInfo.PhysAddr))
	ActiveTerminal.AttachTo(egaConsole)

	drawBootSplash(fbInfo)
}

// drawBootSplash renders logo.ConsoleLogo onto a firmware-reported RGB
// framebuffer, if any. It never touches ActiveTerminal: on a
// FramebufferTypeEGA boot (the common case for this kernel) or an
// unsupported pixel depth there is nothing to draw and this is a no-op.
func drawBootSplash(fbInfo *firmware.FramebufferInfo) {
	if fbInfo.Type != firmware.FramebufferTypeRGB {
		return
	}

	if err := bootFramebuffer.Init(int(fbInfo.Width), int(fbInfo.Height), int(fbInfo.Pitch), fbInfo.Bpp, uintptr(fbInfo.PhysAddr)); err != nil {
		early.Printf("hal: skipping boot splash: %s\n", err.Message)
		return
	}

	if img := logo.BestFit(fbInfo.Width, fbInfo.Height); img != nil {
		bootFramebuffer.DrawLogo(img, int(fbInfo.Width-img.Width)/2, int(fbInfo.Height-img.Height)/2)
	}
	bootFramebuffer.DrawBanner("gokernel", float64(fbInfo.Height)-16)
	bootFramebuffer.Flush()
}
