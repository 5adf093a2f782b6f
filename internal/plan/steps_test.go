package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/script"
)

func TestRegistry(t *testing.T) {
	names := List()
	for _, info := range script.Actions() {
		assert.Contains(t, names, info.Name)
	}
	for _, name := range []string{"command", "deploy", "refresh"} {
		assert.NotNil(t, Get(name), name)
	}
	assert.Nil(t, Get("apt"))
	assert.IsIncreasing(t, names)

	assert.Panics(t, func() { Register(refresh{}) })
}

func TestStepMetadata(t *testing.T) {
	tests := []struct {
		step      string
		shorthand string
		changes   bool
	}{
		{"allow-ports", "ports", true},
		{"inbound-ports", "", false},
		{"block-keyword", "keyword", true},
		{"protect-port", "port", true},
		{"ip-list", "", true},
		{"command", "cmd", true},
		{"deploy", "", true},
		{"refresh", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			s := Get(tt.step)
			require.NotNil(t, s)
			assert.Equal(t, tt.shorthand, s.Shorthand())
			assert.Equal(t, tt.changes, s.Changes())
		})
	}
}

func TestStepCheck(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		params  Params
		wantErr string
	}{
		{"ports list", "allow-ports", Params{"ports": []any{80, 443}}, ""},
		{"missing param", "allow-ports", Params{}, "missing parameter: ports"},
		{"empty list", "allow-ports", Params{"ports": []any{}}, "missing parameter: ports"},
		{"unknown param", "block-all", Params{"ports": "80"}, "unsupported parameter: ports"},
		{"protect defaults", "protect-port", Params{"port": 443}, ""},
		{"protect proto name", "protect-port", Params{"port": "443", "proto": "Both"}, ""},
		{"protect bad number", "protect-port", Params{"port": 443, "max_conn": "many"}, "max_conn"},
		{"protect fractional", "protect-port", Params{"port": 443.5}, "whole number"},
		{"ip list", "ip-list", Params{"op": "remove-white", "ip": "10.0.0.0/8"}, ""},
		{"ip list numeric op", "ip-list", Params{"op": 2, "ip": "10.0.0.1", "duration": 60}, ""},
		{"ip list bad op", "ip-list", Params{"op": "promote", "ip": "10.0.0.1"}, "unknown ip list operation"},
		{"ip list bad duration", "ip-list", Params{"op": "add-black", "ip": "10.0.0.1", "duration": "forever"}, "duration"},
		{"ip list missing ip", "ip-list", Params{"op": "add-black"}, "missing parameter: ip"},
		{"command", "command", Params{"cmd": "uptime"}, ""},
		{"deploy takes nothing", "deploy", Params{"force": true}, "unsupported parameter: force"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Get(tt.step).Check(tt.params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestProtectionFromParams(t *testing.T) {
	pr, err := protection(Params{"port": 8443, "proto": "both", "max_rate_sec": "50", "ban_hours": 2})
	require.NoError(t, err)
	assert.Equal(t, firewall.Protection{Port: 8443, Proto: firewall.ProtoBoth, MaxRateSec: 50, BanHours: 2}, pr)

	pr, err = protection(Params{"port": 53, "proto": 2})
	require.NoError(t, err)
	assert.Equal(t, firewall.ProtoUDP, pr.Proto)
}

func TestIPListArgs(t *testing.T) {
	op, seconds, err := ipListArgs(Params{"op": "add-white", "duration": "90m"})
	require.NoError(t, err)
	assert.Equal(t, firewall.AddWhite, op)
	assert.Equal(t, 5400, seconds)

	_, seconds, err = ipListArgs(Params{"op": "4", "duration": "30"})
	require.NoError(t, err)
	assert.Equal(t, 30, seconds)
}

func TestActionStepPassesParamsInOrder(t *testing.T) {
	svc := newFakeService()
	resp := Get("block-ports").Run(context.Background(), svc, Target{HostID: "fw-1"}, Params{"ports": []any{25, 465}})
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"fw-1 block-ports 25,465"}, svc.Calls())
}
