package device

import "testing"

func TestNewIsochronous(t *testing.T) {
	tests := []struct {
		name string
		addr uint8
		max  uint16
		attr uint8
		want struct {
			number uint8
			in     bool
			sync   uint8
			usage  uint8
		}
	}{
		{
			name: "async data OUT",
			addr: 0x01,
			max:  196,
			attr: IsoSyncAsync,
			want: struct {
				number uint8
				in     bool
				sync   uint8
				usage  uint8
			}{1, false, IsoSyncAsync, IsoUsageData},
		},
		{
			name: "async data IN",
			addr: 0x82,
			max:  196,
			attr: IsoSyncAsync,
			want: struct {
				number uint8
				in     bool
				sync   uint8
				usage  uint8
			}{2, true, IsoSyncAsync, IsoUsageData},
		},
		{
			name: "feedback IN",
			addr: 0x81,
			max:  3,
			attr: IsoSyncNone | IsoUsageFeedback,
			want: struct {
				number uint8
				in     bool
				sync   uint8
				usage  uint8
			}{1, true, IsoSyncNone, IsoUsageFeedback},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := NewIsochronous(tt.addr, tt.max, tt.attr)
			if !ep.IsIsochronous() {
				t.Error("IsIsochronous() = false")
			}
			if ep.Number() != tt.want.number {
				t.Errorf("Number() = %d, want %d", ep.Number(), tt.want.number)
			}
			if ep.IsIn() != tt.want.in {
				t.Errorf("IsIn() = %v, want %v", ep.IsIn(), tt.want.in)
			}
			if ep.IsoSyncType() != tt.want.sync {
				t.Errorf("IsoSyncType() = 0x%02X, want 0x%02X", ep.IsoSyncType(), tt.want.sync)
			}
			if ep.IsoUsageType() != tt.want.usage {
				t.Errorf("IsoUsageType() = 0x%02X, want 0x%02X", ep.IsoUsageType(), tt.want.usage)
			}

			cfg := ep.Config()
			if cfg.Address != tt.addr || cfg.MaxPacketSize != tt.max {
				t.Errorf("Config() = %+v, want address 0x%02X max %d", cfg, tt.addr, tt.max)
			}
			if cfg.TransferType() != EndpointTypeIsochronous {
				t.Errorf("Config().TransferType() = %d, want isochronous", cfg.TransferType())
			}
		})
	}
}

func TestEndpointStallState(t *testing.T) {
	ep := NewIsochronous(0x01, 196, IsoSyncAsync)
	if ep.IsStalled() {
		t.Error("new endpoint reports stalled")
	}
	ep.setStall(true)
	if !ep.IsStalled() {
		t.Error("IsStalled() = false after setStall(true)")
	}
	ep.setStall(false)
	if ep.IsStalled() {
		t.Error("IsStalled() = true after setStall(false)")
	}
}
