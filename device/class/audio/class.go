package audio

import (
	"sync"

	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// maxRequestLen bounds the class request parameter block.
const maxRequestLen = 64

// Class is the audio class driver: it owns the audio function's entity
// graph and streaming interfaces, and routes the control requests the
// device core delivers.
type Class struct {
	proc     *Processing
	entities entityTable

	mu       sync.Mutex
	byIfNbr  map[uint8]*StreamInterface
	byEpAddr map[uint8]*StreamInterface

	respBuf [maxRequestLen]byte
}

var _ device.ClassHandler = (*Class)(nil)

// NewClass creates an audio function over the given USB port. msgQty
// sizes the worker task queues, maxStreams the interface arena.
func NewClass(port USBPort, msgQty, maxStreams int) *Class {
	return &Class{
		proc:     NewProcessing(port, msgQty, maxStreams),
		byIfNbr:  make(map[uint8]*StreamInterface),
		byEpAddr: make(map[uint8]*StreamInterface),
	}
}

// Processing returns the audio processing state for codec driver
// callbacks (RecordBufGet, RecordRxCmpl, PlaybackTxCmpl, PlaybackBufFree).
func (c *Class) Processing() *Processing { return c.proc }

// Close stops the worker tasks.
func (c *Class) Close() { c.proc.Close() }

// AddInputTerminal registers an Input Terminal and returns its entity ID.
func (c *Class) AddInputTerminal(cfg ITConfig) (uint8, error) {
	it := cfg
	return c.entities.add(entity{typ: EntityInputTerminal, it: &it})
}

// AddOutputTerminal registers an Output Terminal connected to the given
// source entity and returns its entity ID.
func (c *Class) AddOutputTerminal(cfg OTConfig, sourceID uint8) (uint8, error) {
	ot := cfg
	return c.entities.add(entity{
		typ:       EntityOutputTerminal,
		sourceIDs: []uint8{sourceID},
		ot:        &ot,
	})
}

// AddFeatureUnit registers a Feature Unit and returns its entity ID.
func (c *Class) AddFeatureUnit(cfg FUConfig, sourceID uint8) (uint8, error) {
	if len(cfg.LogChControls) != int(cfg.LogChNbr)+1 {
		return 0, pkg.ErrInvalidParameter
	}
	fu := cfg
	return c.entities.add(entity{
		typ:       EntityFeatureUnit,
		sourceIDs: []uint8{sourceID},
		fu:        &fu,
	})
}

// AddMixerUnit registers a Mixer Unit and returns its entity ID.
func (c *Class) AddMixerUnit(cfg MUConfig, sourceIDs []uint8) (uint8, error) {
	if len(sourceIDs) != int(cfg.NbrInPins) {
		return 0, pkg.ErrInvalidParameter
	}
	mu := cfg
	return c.entities.add(entity{
		typ:       EntityMixerUnit,
		sourceIDs: append([]uint8(nil), sourceIDs...),
		mu:        &mu,
	})
}

// AddSelectorUnit registers a Selector Unit and returns its entity ID.
func (c *Class) AddSelectorUnit(cfg SUConfig, sourceIDs []uint8) (uint8, error) {
	if len(sourceIDs) != int(cfg.NbrInPins) {
		return 0, pkg.ErrInvalidParameter
	}
	su := cfg
	return c.entities.add(entity{
		typ:       EntitySelectorUnit,
		sourceIDs: append([]uint8(nil), sourceIDs...),
		su:        &su,
	})
}

// AddStream registers a streaming interface and binds it to its interface
// number and endpoint addresses.
func (c *Class) AddStream(cfg StreamConfig) (*StreamInterface, error) {
	s, err := c.proc.AddStream(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byIfNbr[cfg.Alt.IfNbr] = s
	c.byEpAddr[cfg.Alt.DataIsocAddr] = s
	if cfg.Alt.SynchIsocAddr != device.EndpointAddrNone {
		c.byEpAddr[cfg.Alt.SynchIsocAddr] = s
	}
	c.mu.Unlock()
	return s, nil
}

// streamByIf resolves a streaming interface by interface number.
func (c *Class) streamByIf(ifNbr uint8) *StreamInterface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byIfNbr[ifNbr]
}

// streamByEp resolves a streaming interface by endpoint address.
func (c *Class) streamByEp(epAddr uint8) *StreamInterface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byEpAddr[epAddr]
}

// Setup implements device.ClassHandler: it routes standard SET_INTERFACE
// to the stream state machine and class requests to the entity and
// endpoint control surfaces. An error return stalls endpoint 0.
func (c *Class) Setup(setup *device.SetupPacket, data []byte) ([]byte, error) {
	switch {
	case setup.IsStandard():
		return nil, c.standardRequest(setup)

	case setup.IsClass() && setup.IsInterfaceRecipient():
		return c.entityRequest(setup, data)

	case setup.IsClass() && setup.IsEndpointRecipient():
		return c.epRequest(setup, data)

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// standardRequest tracks the alternate setting selection of the
// streaming interfaces. Enumeration (descriptors, configuration) belongs
// to the generic router outside this module; the remaining standard
// requests are acknowledged untouched.
func (c *Class) standardRequest(setup *device.SetupPacket) error {
	if setup.Request != device.RequestSetInterface || !setup.IsInterfaceRecipient() {
		return nil
	}

	s := c.streamByIf(setup.InterfaceNumber())
	if s == nil {
		return nil
	}

	altNbr := uint8(setup.Value)
	if altNbr == 0 {
		// Idle setting: close the stream and its endpoints.
		s.mu.Lock()
		s.state = stateCfg
		s.mu.Unlock()
		err := s.Stop(c.proc)
		c.closeStreamEndpoints(s)
		return err
	}

	if altNbr != s.AltCurrent().AltNbr {
		return pkg.ErrInvalidRequest
	}

	if err := c.openStreamEndpoints(s); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = stateCfg
	s.mu.Unlock()

	// Playback opens on the operational alternate setting; record waits
	// for the sampling frequency to be configured.
	if s.settings.dir == StreamOut {
		return s.Start(c.proc)
	}
	return nil
}

// openStreamEndpoints opens the alternate setting's isochronous data
// endpoint, plus the feedback endpoint when configured, in the device
// core.
func (c *Class) openStreamEndpoints(s *StreamInterface) error {
	alt := s.AltCurrent()

	data := device.NewIsochronous(alt.DataIsocAddr, alt.MaxPktLen, device.IsoSyncAsync)
	if err := c.proc.port.OpenEndpoint(data); err != nil {
		return err
	}

	if alt.SynchIsocAddr != device.EndpointAddrNone {
		synch := device.NewIsochronous(alt.SynchIsocAddr, synchXferLen,
			device.IsoSyncNone|device.IsoUsageFeedback)
		if err := c.proc.port.OpenEndpoint(synch); err != nil {
			c.proc.port.CloseEndpoint(alt.DataIsocAddr)
			return err
		}
	}
	return nil
}

// closeStreamEndpoints releases the alternate setting's endpoints.
func (c *Class) closeStreamEndpoints(s *StreamInterface) {
	alt := s.AltCurrent()
	c.proc.port.CloseEndpoint(alt.DataIsocAddr)
	if alt.SynchIsocAddr != device.EndpointAddrNone {
		c.proc.port.CloseEndpoint(alt.SynchIsocAddr)
	}
}

// entityRequest routes a class request to the terminal or unit addressed
// by the entity ID in the high byte of wIndex.
func (c *Class) entityRequest(setup *device.SetupPacket, data []byte) ([]byte, error) {
	e := c.entities.get(setup.EntityID())
	if e == nil {
		return nil, pkg.ErrInvalidRecipient
	}

	buf, reqLen, err := c.requestBuf(setup, data)
	if err != nil {
		return nil, err
	}

	switch e.typ {
	case EntityInputTerminal, EntityOutputTerminal:
		err = c.terminalControl(e, setup.Request, setup.Value, buf)
	default:
		err = c.unitControl(e, setup.Request, setup.Value, buf, reqLen)
	}
	if err != nil {
		return nil, err
	}

	if setup.IsDeviceToHost() {
		return buf[:reqLen], nil
	}
	return nil, nil
}

// epRequest routes a class request addressed to an isochronous endpoint.
func (c *Class) epRequest(setup *device.SetupPacket, data []byte) ([]byte, error) {
	epAddr := setup.EndpointAddress()
	s := c.streamByEp(epAddr)
	if s == nil {
		return nil, pkg.ErrInvalidRecipient
	}

	buf, reqLen, err := c.requestBuf(setup, data)
	if err != nil {
		return nil, err
	}

	if err := c.endpointControl(s, epAddr, setup.Request, setup.Value, buf, reqLen); err != nil {
		return nil, err
	}

	if setup.IsDeviceToHost() {
		return buf[:reqLen], nil
	}
	return nil, nil
}

// requestBuf returns the parameter block for the request: the received
// data for host-to-device requests, the response scratch buffer for
// device-to-host requests.
func (c *Class) requestBuf(setup *device.SetupPacket, data []byte) ([]byte, int, error) {
	reqLen := int(setup.Length)
	if reqLen > maxRequestLen {
		return nil, 0, pkg.ErrInvalidRequest
	}
	if setup.IsHostToDevice() {
		if len(data) < reqLen {
			return nil, 0, pkg.ErrInvalidRequest
		}
		return data[:reqLen], reqLen, nil
	}
	return c.respBuf[:maxRequestLen], reqLen, nil
}

// OnBusReset stops every started stream after a bus reset or disconnect.
func (c *Class) OnBusReset() {
	c.mu.Lock()
	streams := make([]*StreamInterface, 0, len(c.byIfNbr))
	for _, s := range c.byIfNbr {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.Stop(c.proc); err != nil {
			pkg.LogWarn(pkg.ComponentAudio, "stream stop on bus reset failed", "error", err)
		}
	}
}
