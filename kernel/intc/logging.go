package intc

import (
	"github.com/achilleasa/gokernel/kernel"
	"github.com/achilleasa/gokernel/kernel/irq"
	"github.com/achilleasa/gokernel/kernel/kfmt"
)

// LoggingController is a Controller that performs no real interrupt-controller
// programming: it records every call and logs IPIs via kfmt.Printf. It lets
// the CPU bring-up and scheduler paths that depend on a Controller run and be
// tested on hosts with no real APIC, mirroring how the teacher's own test
// suite swaps real drivers for function-variable stand-ins rather than
// talking to hardware.
type LoggingController struct {
	EnableCount  int
	DisableCount int
	Sent         []Packet
	Masked       map[irq.Vector]bool
}

// Enable implements Controller.
func (c *LoggingController) Enable() *kernel.Error {
	c.EnableCount++
	return nil
}

// Disable implements Controller.
func (c *LoggingController) Disable() *kernel.Error {
	c.DisableCount++
	return nil
}

// SendIPI implements Controller. It appends pkt to Sent and logs it.
func (c *LoggingController) SendIPI(pkt Packet) *kernel.Error {
	c.Sent = append(c.Sent, pkt)
	kfmt.Printf("intc: ipi type=%d vector=%d dest_cpu=%d shorthand=%d\n", uint8(pkt.Type), uint8(pkt.Vector), pkt.DestCPU, uint8(pkt.DestShorthand))
	return nil
}

// Mask implements Controller.
func (c *LoggingController) Mask(vector irq.Vector) *kernel.Error {
	if c.Masked == nil {
		c.Masked = make(map[irq.Vector]bool)
	}
	c.Masked[vector] = true
	return nil
}

// Unmask implements Controller.
func (c *LoggingController) Unmask(vector irq.Vector) *kernel.Error {
	if c.Masked == nil {
		return nil
	}
	delete(c.Masked, vector)
	return nil
}
