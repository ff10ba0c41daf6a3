// Command usbaudio runs the USB audio device stack against the loopback
// controller: it builds a speaker-and-microphone audio function, then
// plays the host side of the session, streaming a sine wave out and
// collecting the microphone stream back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/device/class/audio"
	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/device/hal/loopback"
	"github.com/ardnew/usbaudio/pkg"
)

// streamSettings is the YAML-configurable stream shape.
type streamSettings struct {
	SampleRates  []uint32 `yaml:"sample_rates"`
	Channels     uint8    `yaml:"channels"`
	SubframeSize uint8    `yaml:"subframe_size"`
	BufCount     uint16   `yaml:"buf_count"`
	BufLen       uint16   `yaml:"buf_len"`
	PreBuf       uint16   `yaml:"pre_buf"`
}

func defaultSettings() streamSettings {
	return streamSettings{
		SampleRates:  []uint32{44100, 48000},
		Channels:     2,
		SubframeSize: 2,
		BufCount:     12,
		BufLen:       200,
		PreBuf:       4,
	}
}

func loadSettings(path string) (streamSettings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, err
	}
	return s, nil
}

func main() {
	configPath := pflag.StringP("config", "c", "", "Stream settings YAML file")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	packets := pflag.IntP("packets", "n", 250, "Number of 1 ms packets to stream per direction")
	rate := pflag.Uint32P("rate", "r", 48000, "Sampling frequency in Hz")
	pflag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	if err := run(*configPath, *packets, *rate); err != nil {
		pkg.LogError(pkg.ComponentStack, "demo failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, packets int, rate uint32) error {
	settings, err := loadSettings(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	drv := loopback.New(hal.SpeedFull)
	host := drv.Host()

	codec := newToneCodec(settings, rate)

	var cls *audio.Class
	core := device.NewCore(drv, deferredHandler{&cls})
	drv.SetEvents(core)

	cls = audio.NewClass(core, 16, 2)
	defer cls.Close()
	codec.proc = cls.Processing()

	itID, err := cls.AddInputTerminal(audio.ITConfig{TerminalType: 0x0101})
	if err != nil {
		return err
	}
	fuID, err := cls.AddFeatureUnit(audio.FUConfig{
		LogChNbr: settings.Channels,
		LogChControls: []uint16{
			audio.FUCapMute | audio.FUCapVolume,
			audio.FUCapVolume,
			audio.FUCapVolume,
		},
		API: audio.FUAPI{
			Mute:   codec.muteControl,
			Volume: codec.volumeControl,
		},
	}, itID)
	if err != nil {
		return err
	}
	if _, err := cls.AddOutputTerminal(audio.OTConfig{TerminalType: 0x0301}, fuID); err != nil {
		return err
	}

	altCfg := audio.AltConfig{
		NbrCh:            settings.Channels,
		SubframeSize:     settings.SubframeSize,
		BitRes:           8 * settings.SubframeSize,
		SamplingFreqs:    settings.SampleRates,
		SamplingFreqCtrl: true,
		SynchRefresh:     2,
	}

	playback, err := cls.AddStream(audio.StreamConfig{
		Dir:         audio.StreamOut,
		Driver:      codec,
		TerminalID:  itID,
		BufTotalNbr: settings.BufCount,
		BufTotalLen: settings.BufLen,
		PreBufMax:   settings.PreBuf,
		Alt: audio.AltSetting{
			Cfg:           &altCfg,
			IfNbr:         1,
			AltNbr:        1,
			DataIsocAddr:  0x01,
			SynchIsocAddr: device.EndpointAddrNone,
			MaxPktLen:     settings.BufLen,
		},
	})
	if err != nil {
		return err
	}

	record, err := cls.AddStream(audio.StreamConfig{
		Dir:         audio.StreamIn,
		Driver:      codec,
		TerminalID:  itID + 100,
		BufTotalNbr: settings.BufCount,
		BufTotalLen: settings.BufLen,
		PreBufMax:   settings.PreBuf,
		Alt: audio.AltSetting{
			Cfg:           &altCfg,
			IfNbr:         2,
			AltNbr:        1,
			DataIsocAddr:  0x82,
			SynchIsocAddr: device.EndpointAddrNone,
			MaxPktLen:     settings.BufLen,
		},
	})
	if err != nil {
		return err
	}

	if err := core.Start(context.Background()); err != nil {
		return err
	}
	defer core.Stop()

	// Host session: open both streams.
	var setup device.SetupPacket
	var halPkt hal.SetupPacket

	device.SetInterfaceSetup(&setup, 1, 1)
	setup.MarshalTo(marshalScratch[:])
	hal.ParseSetupPacket(marshalScratch[:], &halPkt)
	host.DeliverSetup(halPkt)

	device.SetInterfaceSetup(&setup, 2, 1)
	setup.MarshalTo(marshalScratch[:])
	hal.ParseSetupPacket(marshalScratch[:], &halPkt)
	host.DeliverSetup(halPkt)

	// Configure the sampling frequency on both endpoints; the record
	// SET_CUR starts the microphone stream.
	freq := []byte{byte(rate), byte(rate >> 8), byte(rate >> 16)}
	for _, ep := range []uint8{0x01, 0x82} {
		device.ClassEndpointSetup(&setup, false, audio.RequestSetCur,
			uint16(audio.ASEPControlSamplingFreq)<<8, ep, 3)
		setup.MarshalTo(marshalScratch[:])
		hal.ParseSetupPacket(marshalScratch[:], &halPkt)
		host.DeliverSetup(halPkt)
		if err := host.CompleteOut(0, freq); err != nil {
			return fmt.Errorf("sampling frequency data stage: %w", err)
		}
	}

	// Stream: deliver playback packets and collect record packets.
	frameLen := int(settings.Channels) * int(settings.SubframeSize)
	pktLen := int(rate/1000) * frameLen
	tone := codec.makePacket(pktLen)

	var recordBytes int
	deadline := time.After(30 * time.Second)
	for i := 0; i < packets; i++ {
		select {
		case <-deadline:
			return pkg.ErrTimeout
		default:
		}

		host.AdvanceFrames(1)
		if err := host.CompleteOut(0x01, tone); err != nil {
			return fmt.Errorf("playback packet %d: %w", i, err)
		}
		if data, err := host.CollectIn(0x82); err == nil {
			recordBytes += len(data)
		}
	}

	pbStats := playback.Stats()
	recStats := record.Stats()
	pkg.LogInfo(pkg.ComponentStack, "session complete",
		"playback-packets", pbStats.PlaybackIsocRxCmpl.Load(),
		"playback-rendered", codec.rendered.Load(),
		"record-bytes", recordBytes,
		"record-submitted", recStats.RecordIsocTxSubmitOK.Load(),
		"corr-safe", pbStats.CorrSafeZone.Load(),
		"corr-overrun", pbStats.CorrOverrun.Load(),
		"corr-underrun", pbStats.CorrUnderrun.Load())
	return nil
}

var marshalScratch [device.SetupPacketSize]byte

// deferredHandler lets the core route requests to a class created after
// the core.
type deferredHandler struct {
	cls **audio.Class
}

func (h deferredHandler) Setup(setup *device.SetupPacket, data []byte) ([]byte, error) {
	if *h.cls == nil {
		return nil, pkg.ErrNotRunning
	}
	return (*h.cls).Setup(setup, data)
}

// sineAmplitude scales the generated test tone.
const sineAmplitude = 0.25
