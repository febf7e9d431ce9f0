//go:build linux

package gvm

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/hv"
)

const msiHashSize = 256

// Legacy interrupt controller ids for irqchip routes.
const (
	IRQChipPICMaster = 0
	IRQChipPICSlave  = 1
	IRQChipIOAPIC    = 2

	ioapicPins = 24
)

type RouteKind int

const (
	RouteIRQChip RouteKind = iota + 1
	RouteMSI
)

func (k RouteKind) String() string {
	switch k {
	case RouteIRQChip:
		return "irqchip"
	case RouteMSI:
		return "msi"
	default:
		return fmt.Sprintf("RouteKind(%d)", int(k))
	}
}

// IRQRoute is one entry of the kernel GSI routing table.
type IRQRoute struct {
	GSI  int
	Kind RouteKind

	IRQChip uint32
	Pin     uint32

	MSI hv.MSIMessage
}

func (r IRQRoute) entry() gvmIRQRoutingEntry {
	e := gvmIRQRoutingEntry{GSI: uint32(r.GSI)}
	switch r.Kind {
	case RouteIRQChip:
		e.Type = irqRoutingIRQChip
		e.irqchip().IRQChip = r.IRQChip
		e.irqchip().Pin = r.Pin
	case RouteMSI:
		e.Type = irqRoutingMSI
		setMSIPayload(&e, r.MSI)
	}
	return e
}

func routeFromEntry(e *gvmIRQRoutingEntry) IRQRoute {
	r := IRQRoute{GSI: int(e.GSI)}
	switch e.Type {
	case irqRoutingIRQChip:
		r.Kind = RouteIRQChip
		r.IRQChip = e.irqchip().IRQChip
		r.Pin = e.irqchip().Pin
	case irqRoutingMSI:
		r.Kind = RouteMSI
		m := e.msi()
		r.MSI = hv.MSIMessage{Address: uint64(m.AddressHi)<<32 | uint64(m.AddressLo), Data: m.Data}
	}
	return r
}

func setMSIPayload(e *gvmIRQRoutingEntry, msg hv.MSIMessage) {
	m := e.msi()
	m.AddressLo = uint32(msg.Address)
	m.AddressHi = uint32(msg.Address >> 32)
	m.Data = msg.Data
}

// RouteHooks let the machine adjust routes around routing table changes.
// Every hook is optional.
type RouteHooks struct {
	// FixupMSI may rewrite an MSI route before it is added.
	FixupMSI func(route *IRQRoute, vector int, dev hv.MSISource) error
	// AddMSIPost runs after a device MSI route has been added.
	AddMSIPost func(route IRQRoute, vector int, dev hv.MSISource) error
	// ReleasePost runs after a virq has been released.
	ReleasePost func(gsi int) error
}

func (s *Session) initIRQRouting() {
	s.gsiCount = s.CheckExtension(CapIRQRouting) - 1
	if s.gsiCount > 0 {
		s.usedGSI = newGSIBitmap(s.gsiCount)
		s.staticGSI = newGSIBitmap(s.gsiCount)
	} else {
		s.gsiCount = 0
	}
	s.routes = nil
	for i := range s.msiRoutes {
		s.msiRoutes[i] = nil
	}
}

// GSICount returns the number of routable GSIs, zero if routing is
// unavailable.
func (s *Session) GSICount() int { return s.gsiCount }

// Routes returns a copy of the routing table.
func (s *Session) Routes() []IRQRoute {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]IRQRoute, 0, len(s.routes))
	for i := range s.routes {
		out = append(out, routeFromEntry(&s.routes[i]))
	}
	return out
}

// GSIUsed reports whether gsi is marked in the GSI bitmap.
func (s *Session) GSIUsed(gsi int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedGSI != nil && s.usedGSI.IsUsed(gsi)
}

func (s *Session) routingReadyLocked() error {
	if s.usedGSI == nil {
		return ErrNoIRQRouting
	}
	return nil
}

func (s *Session) commitRoutesLocked() error {
	const header = int(unsafe.Sizeof(gvmIRQRouting{}))
	const entrySize = int(unsafe.Sizeof(gvmIRQRoutingEntry{}))

	buf := make([]byte, header+len(s.routes)*entrySize)
	hdr := (*gvmIRQRouting)(unsafe.Pointer(&buf[0]))
	hdr.Nr = uint32(len(s.routes))
	hdr.Flags = 0
	if len(s.routes) > 0 {
		copy(buf[header:], unsafe.Slice((*byte)(unsafe.Pointer(&s.routes[0])), len(s.routes)*entrySize))
	}

	_, err := ioctlBytes(s.kernel, s.vmFd, gvmSetGsiRouting, buf)
	runtime.KeepAlive(buf)
	debug.Writef("gvm irq", "commit %d routes err=%v", len(s.routes), err)
	if err != nil {
		return fatalf(err, "commit irq routes")
	}
	return nil
}

// CommitRoutes pushes the routing table to the kernel.
func (s *Session) CommitRoutes() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.routingReadyLocked(); err != nil {
		return err
	}
	return s.commitRoutesLocked()
}

func (s *Session) addRouteLocked(e gvmIRQRoutingEntry) {
	s.routes = append(s.routes, e)
}

func (s *Session) addStaticRouteLocked(gsi, irqchip, pin int) error {
	if pin >= s.gsiCount {
		return fmt.Errorf("gvm: static route pin %d beyond %d gsis", pin, s.gsiCount)
	}
	if !s.usedGSI.Reserve(gsi) {
		return fmt.Errorf("gvm: static route gsi %d out of range", gsi)
	}
	s.staticGSI.Reserve(gsi)
	s.addRouteLocked(IRQRoute{GSI: gsi, Kind: RouteIRQChip, IRQChip: uint32(irqchip), Pin: uint32(pin)}.entry())
	return nil
}

// AddStaticRoute routes gsi to a pin of a legacy interrupt controller. It
// is only used at boot for the fixed legacy lines.
func (s *Session) AddStaticRoute(gsi, irqchip, pin int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.routingReadyLocked(); err != nil {
		return err
	}
	if err := s.addStaticRouteLocked(gsi, irqchip, pin); err != nil {
		return err
	}
	return s.commitRoutesLocked()
}

// AddPCLegacyRoutes installs the PC routing layout: the two cascaded PICs
// on GSIs 0-15 and the IOAPIC on all of its pins, with the timer on pin 2.
func (s *Session) AddPCLegacyRoutes() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.routingReadyLocked(); err != nil {
		return err
	}
	for i := 0; i < 8; i++ {
		if i == 2 {
			continue
		}
		if err := s.addStaticRouteLocked(i, IRQChipPICMaster, i); err != nil {
			return err
		}
	}
	for i := 8; i < 16; i++ {
		if err := s.addStaticRouteLocked(i, IRQChipPICSlave, i-8); err != nil {
			return err
		}
	}
	for i := 0; i < ioapicPins && i < s.gsiCount; i++ {
		var err error
		switch i {
		case 0:
			err = s.addStaticRouteLocked(i, IRQChipIOAPIC, 2)
		case 2:
		default:
			err = s.addStaticRouteLocked(i, IRQChipIOAPIC, i)
		}
		if err != nil {
			return err
		}
	}
	return s.commitRoutesLocked()
}

func msiHash(data uint32) int { return int(data & 0xff) }

// flushDynamicMSIRoutesLocked releases every cached MSI route. The caller
// commits.
func (s *Session) flushDynamicMSIRoutesLocked() {
	for h := range s.msiRoutes {
		for _, e := range s.msiRoutes[h] {
			s.releaseVirqLocked(int(e.GSI))
		}
		s.msiRoutes[h] = nil
	}
	s.msiFlushes++
	debug.Writef("gvm irq", "flushed dynamic msi routes, %d routes left", len(s.routes))
}

// allocateVirqLocked claims the lowest free GSI. When the routing table is
// full the MSI cache is flushed first to reclaim abandoned routes.
func (s *Session) allocateVirqLocked() (int, error) {
	if len(s.routes) >= s.gsiCount {
		s.flushDynamicMSIRoutesLocked()
	}
	gsi, ok := s.usedGSI.Allocate()
	if !ok {
		return 0, ErrNoFreeGSI
	}
	return gsi, nil
}

// AllocateVirq reserves a GSI without routing it.
func (s *Session) AllocateVirq() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.routingReadyLocked(); err != nil {
		return 0, err
	}
	return s.allocateVirqLocked()
}

func (s *Session) lookupMSIRouteLocked(msg hv.MSIMessage) *gvmIRQRoutingEntry {
	for _, e := range s.msiRoutes[msiHash(msg.Data)] {
		m := e.msi()
		if m.AddressLo == uint32(msg.Address) &&
			m.AddressHi == uint32(msg.Address>>32) &&
			m.Data == msg.Data {
			return e
		}
	}
	return nil
}

func (s *Session) dropCachedRouteLocked(gsi int) {
	for h := range s.msiRoutes {
		bucket := s.msiRoutes[h]
		for i, e := range bucket {
			if int(e.GSI) == gsi {
				s.msiRoutes[h] = append(bucket[:i], bucket[i+1:]...)
				return
			}
		}
	}
}

// SendMSI raises msg through a cached dynamic route, creating the route on
// first use. It returns the line status reported by the kernel.
func (s *Session) SendMSI(msg hv.MSIMessage) (int, error) {
	s.mu.Lock()

	if err := s.routingReadyLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}

	route := s.lookupMSIRouteLocked(msg)
	if route == nil {
		gsi, err := s.allocateVirqLocked()
		if err != nil {
			// A flush may have dropped routes the kernel still holds.
			if cerr := s.commitRoutesLocked(); cerr != nil {
				s.mu.Unlock()
				return 0, cerr
			}
			s.mu.Unlock()
			return 0, err
		}

		e := IRQRoute{GSI: gsi, Kind: RouteMSI, MSI: msg}.entry()
		s.addRouteLocked(e)
		if err := s.commitRoutesLocked(); err != nil {
			s.removeRoutesLocked(gsi)
			s.usedGSI.Release(gsi)
			s.mu.Unlock()
			return 0, err
		}

		route = &e
		h := msiHash(msg.Data)
		s.msiRoutes[h] = append(s.msiRoutes[h], route)
	}
	gsi := int(route.GSI)
	s.mu.Unlock()

	return s.SetIRQ(gsi, 1)
}

// AddMSIRoute creates a dedicated route for an MSI vector of dev. A nil dev
// reserves a route with an empty message, to be filled by UpdateMSIRoute.
func (s *Session) AddMSIRoute(vector int, dev hv.MSISource) (int, error) {
	var msg hv.MSIMessage
	if dev != nil {
		var err error
		msg, err = dev.MSIMessage(vector)
		if err != nil {
			return 0, fmt.Errorf("gvm: msi message for vector %d: %w", vector, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.routingReadyLocked(); err != nil {
		return 0, err
	}

	gsi, err := s.allocateVirqLocked()
	if err != nil {
		if cerr := s.commitRoutesLocked(); cerr != nil {
			return 0, cerr
		}
		return 0, err
	}

	route := IRQRoute{GSI: gsi, Kind: RouteMSI, MSI: msg}
	if s.hooks.FixupMSI != nil {
		if err := s.hooks.FixupMSI(&route, vector, dev); err != nil {
			s.usedGSI.Release(gsi)
			return 0, fmt.Errorf("gvm: fixup msi route: %w", err)
		}
		route.GSI = gsi
	}

	s.addRouteLocked(route.entry())
	if s.hooks.AddMSIPost != nil {
		if err := s.hooks.AddMSIPost(route, vector, dev); err != nil {
			s.removeRoutesLocked(gsi)
			s.usedGSI.Release(gsi)
			return 0, fmt.Errorf("gvm: add msi route post: %w", err)
		}
	}
	if err := s.commitRoutesLocked(); err != nil {
		return 0, err
	}

	debug.Writef("gvm irq", "msi route gsi=%d vector=%d addr=0x%x data=0x%x", gsi, vector, msg.Address, msg.Data)
	return gsi, nil
}

// UpdateMSIRoute rewrites the payload of the route for gsi in place.
func (s *Session) UpdateMSIRoute(gsi int, msg hv.MSIMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.routingReadyLocked(); err != nil {
		return err
	}

	next := IRQRoute{GSI: gsi, Kind: RouteMSI, MSI: msg}.entry()
	for i := range s.routes {
		e := &s.routes[i]
		if int(e.GSI) != gsi {
			continue
		}
		if *e == next {
			return nil
		}
		*e = next
		return s.commitRoutesLocked()
	}
	return fmt.Errorf("gvm: update msi route gsi %d: %w", gsi, ErrRouteNotFound)
}

// removeRoutesLocked drops every entry for gsi, compacting the table by
// moving the last entry into the hole.
func (s *Session) removeRoutesLocked(gsi int) int {
	removed := 0
	for i := 0; i < len(s.routes); {
		if int(s.routes[i].GSI) != gsi {
			i++
			continue
		}
		last := len(s.routes) - 1
		s.routes[i] = s.routes[last]
		s.routes = s.routes[:last]
		removed++
	}
	return removed
}

func (s *Session) releaseVirqLocked(gsi int) bool {
	removed := s.removeRoutesLocked(gsi)
	released := s.usedGSI.Release(gsi)
	if s.hooks.ReleasePost != nil {
		if err := s.hooks.ReleasePost(gsi); err != nil {
			debug.Writef("gvm irq", "release post gsi=%d: %v", gsi, err)
		}
	}
	return removed > 0 || released
}

// ReleaseVirq removes the routes for gsi and returns it to the allocator.
// Static legacy GSIs cannot be released.
func (s *Session) ReleaseVirq(gsi int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.routingReadyLocked(); err != nil {
		return err
	}
	if s.staticGSI.IsUsed(gsi) {
		return fmt.Errorf("gvm: release gsi %d: %w", gsi, ErrStaticGSI)
	}
	s.dropCachedRouteLocked(gsi)
	if !s.releaseVirqLocked(gsi) {
		return fmt.Errorf("gvm: release gsi %d: %w", gsi, ErrRouteNotFound)
	}
	return s.commitRoutesLocked()
}

// SetIRQ drives an interrupt line and returns the delivery status reported
// by the kernel.
func (s *Session) SetIRQ(line, level int) (int, error) {
	event := gvmIRQLevel{IRQ: uint32(line), Level: uint32(level)}
	if _, err := ioctl(s.kernel, s.vmFd, gvmIrqLineStatus, &event); err != nil {
		return 0, fatalf(err, "set irq %d", line)
	}
	return int(int32(event.Level)), nil
}
