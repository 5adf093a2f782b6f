package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePorts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Ports
	}{
		{
			name: "chinese headers",
			in:   "TCP端口:\n80\n443\n====\nUDP端口:\n53\n====",
			want: Ports{TCP: []int{80, 443}, UDP: []int{53}},
		},
		{
			name: "colour escapes",
			in:   "\x1b[32mTCP\x1b[0m ports:\n\x1b[1;33m22\x1b[0m 8080\n===\n\x1b[32mUDP\x1b[0m ports:\n1194\n===",
			want: Ports{TCP: []int{22, 8080}, UDP: []int{1194}},
		},
		{
			name: "udp header ends tcp section",
			in:   "TCP:\n22\nUDP:\n53 123",
			want: Ports{TCP: []int{22}, UDP: []int{53, 123}},
		},
		{
			name: "ports on the header line",
			in:   "TCP 22 80\nUDP 53",
			want: Ports{TCP: []int{22, 80}, UDP: []int{53}},
		},
		{
			name: "header annotation is not a port",
			in:   "TCP ports (IPv4)\n22\n====",
			want: Ports{TCP: []int{22}, UDP: []int{}},
		},
		{
			name: "text outside sections ignored",
			in:   "Inbound rules v3\n====\nTCP:\n443\n====\nfooter 99",
			want: Ports{TCP: []int{443}, UDP: []int{}},
		},
		{
			name: "nothing allowed chinese",
			in:   "TCP:\n当前未放行任何端口\n",
			want: Ports{TCP: []int{}, UDP: []int{}},
		},
		{
			name: "nothing allowed english",
			in:   "No allowed ports",
			want: Ports{TCP: []int{}, UDP: []int{}},
		},
		{
			name: "empty",
			in:   "",
			want: Ports{TCP: []int{}, UDP: []int{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePorts(tt.in))
		})
	}
}

func TestParseIPs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "labelled section",
			in:   "Script v1.2.3.4 report\n放行的 IP:\n1.2.3.4\n10.0.0.0/8\n====\nlast seen 9.9.9.9",
			want: []string{"1.2.3.4", "10.0.0.0/8"},
		},
		{
			name: "whole text scan",
			in:   "\x1b[33m192.168.1.10\x1b[0m\n192.168.1.11 192.168.1.10",
			want: []string{"192.168.1.10", "192.168.1.11"},
		},
		{
			name: "invalid octets dropped",
			in:   "300.1.1.1\n8.8.8.8",
			want: []string{"8.8.8.8"},
		},
		{
			name: "nothing allowed chinese",
			in:   "当前未放行任何 IP",
			want: []string{},
		},
		{
			name: "nothing allowed english",
			in:   "Allowed IPs:\nNo allowed IPs\n",
			want: []string{},
		},
		{
			name: "empty",
			in:   "",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseIPs(tt.in))
		})
	}
}

func TestParseManagementPort(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"当前 SSH端口: 2222", 2222, true},
		{"\x1b[32m端口：22\x1b[0m", 22, true},
		{"SSH Port: 22022", 22022, true},
		{"ssh is not running", 0, false},
		{"port: 99999", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseManagementPort(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParsePortSpec(t *testing.T) {
	got, err := ParsePortSpec("80, 443,8000-8100")
	require.NoError(t, err)
	assert.Equal(t, []PortRange{{80, 80}, {443, 443}, {8000, 8100}}, got)
	assert.Equal(t, "8000-8100", got[2].String())

	for _, bad := range []string{"", "80,", "a", "80-", "0", "70000", "100-90", "80;rm -rf /"} {
		_, err := ParsePortSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "ok done", StripANSI("\x1b[32mok\x1b[0m \x1b[1;31mdone\x1b[0m"))
}
