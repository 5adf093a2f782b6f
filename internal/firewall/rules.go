package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/eugenetaranov/nftgate/internal/cache"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/script"
)

// SSHPort is the Data of ManagementPort.
type SSHPort struct {
	Port   int    `json:"port,omitempty"`
	Report string `json:"report"`
}

// read is the read-through path shared by the typed reads: a fresh cached
// value skips the host, anything else runs action and parses its report.
// force always runs action; the cached value then only backs a failure.
func read[T any](ctx context.Context, s *Service, hostID string, action script.Action, force bool, parse func(string) (T, error)) Response {
	info, _ := script.Lookup(action)
	through := cache.Fetch[T]
	if force {
		through = cache.Refetch[T]
	}
	var output string
	v, freshness, err := through(ctx, s.cache, hostID, info.Reads, func(ctx context.Context) (T, error) {
		out, err := s.run(ctx, hostID, action)
		if err != nil {
			var zero T
			return zero, err
		}
		output = out.Output
		return parse(script.StripANSI(out.Output))
	})
	switch {
	case err != nil && freshness == cache.Stale:
		r := ok(v, "")
		r.Cached, r.Stale = true, true
		r.Error = err.Error()
		return r
	case err != nil:
		return fail(err)
	}
	r := ok(v, output)
	r.Cached = freshness == cache.Fresh
	return r
}

func text(s string) (string, error) { return strings.TrimSpace(s), nil }

func ports(out string) (script.Ports, error) { return script.ParsePorts(out), nil }

func ips(out string) ([]string, error) { return script.ParseIPs(out), nil }

func sshPort(out string) (SSHPort, error) {
	p := SSHPort{Report: strings.TrimSpace(out)}
	p.Port, _ = script.ParseManagementPort(out)
	return p, nil
}

// BlockList returns the blocked traffic report.
func (s *Service) BlockList(ctx context.Context, hostID string) Response {
	return read(ctx, s, hostID, script.ListBlocked, false, text)
}

// InboundPorts returns the allowed inbound ports as script.Ports.
func (s *Service) InboundPorts(ctx context.Context, hostID string) Response {
	return read(ctx, s, hostID, script.ListInboundPorts, false, ports)
}

// InboundIPs returns the allowed inbound addresses.
func (s *Service) InboundIPs(ctx context.Context, hostID string) Response {
	return read(ctx, s, hostID, script.ListInboundIPs, false, ips)
}

// ManagementPort returns the SSH port the script reports.
func (s *Service) ManagementPort(ctx context.Context, hostID string) Response {
	return read(ctx, s, hostID, script.ManagementPort, false, sshPort)
}

// DefenseStatus returns the DDoS defense report.
func (s *Service) DefenseStatus(ctx context.Context, hostID string) Response {
	return read(ctx, s, hostID, script.DefenseStatus, false, text)
}

// readActions are the catalogue actions backing a cached field, in refresh
// order.
var readActions = []script.Action{
	script.ListBlocked,
	script.ListInboundPorts,
	script.ListInboundIPs,
	script.ManagementPort,
	script.DefenseStatus,
}

// reread runs a read action on the host regardless of the cache and writes
// the result through. A failure leaves the cached value in place.
func (s *Service) reread(ctx context.Context, hostID string, action script.Action) Response {
	switch action {
	case script.ListBlocked:
		return read(ctx, s, hostID, action, true, text)
	case script.ListInboundPorts:
		return read(ctx, s, hostID, action, true, ports)
	case script.ListInboundIPs:
		return read(ctx, s, hostID, action, true, ips)
	case script.ManagementPort:
		return read(ctx, s, hostID, action, true, sshPort)
	case script.DefenseStatus:
		return read(ctx, s, hostID, action, true, text)
	}
	return fail(failure.Protocol(hostID, "read", fmt.Errorf("action %d reads nothing", action)))
}

// Refresh reads every cached field of hostID from the host again. Data maps
// each field to its new value; fields that could not be read are missing
// and Error lists them. Their cached values are kept.
func (s *Service) Refresh(ctx context.Context, hostID string) Response {
	data := make(map[string]any, len(readActions))
	var failed []string
	var last Response
	for _, a := range readActions {
		info, _ := script.Lookup(a)
		res := s.reread(ctx, hostID, a)
		if !res.Success || res.Stale {
			failed = append(failed, info.Reads+": "+res.Error)
			last = res
			continue
		}
		data[info.Reads] = res.Data
	}
	if len(failed) == len(readActions) {
		last.Success, last.Data, last.Cached, last.Stale = false, nil, false, false
		last.Error = strings.Join(failed, "; ")
		return last
	}
	r := ok(data, "")
	if len(failed) > 0 {
		r.Error = strings.Join(failed, "; ")
	}
	return r
}

// AllowPorts opens inbound ports, e.g. "80,443,8000-8100".
func (s *Service) AllowPorts(ctx context.Context, hostID, ports string) Response {
	return s.mutate(ctx, hostID, script.AllowInboundPorts, ports)
}

// DisallowPorts withdraws inbound ports. A list covering the management port
// is refused before anything runs on the host.
func (s *Service) DisallowPorts(ctx context.Context, hostID, ports string) Response {
	return s.mutate(ctx, hostID, script.DisallowInboundPorts, ports)
}

// AllowIPs allows inbound traffic from a comma separated address list.
func (s *Service) AllowIPs(ctx context.Context, hostID, ips string) Response {
	return s.mutate(ctx, hostID, script.AllowInboundIPs, ips)
}

// DisallowIPs withdraws addresses allowed by AllowIPs.
func (s *Service) DisallowIPs(ctx context.Context, hostID, ips string) Response {
	return s.mutate(ctx, hostID, script.DisallowInboundIPs, ips)
}

// ClearAll flushes and rebuilds every rule on the host.
func (s *Service) ClearAll(ctx context.Context, hostID string) Response {
	return s.mutate(ctx, hostID, script.ClearAll)
}

// SetupDefense installs the default DDoS defense rules.
func (s *Service) SetupDefense(ctx context.Context, hostID string) Response {
	return s.mutate(ctx, hostID, script.SetupDefense)
}

// Protocols accepted by Protection.
const (
	ProtoTCP  = 1
	ProtoUDP  = 2
	ProtoBoth = 3
)

// Protection configures rate limits on one port. Zero fields take the
// defaults applied by ProtectPort.
type Protection struct {
	Port       int `json:"port"`
	Proto      int `json:"proto"`
	MaxConn    int `json:"maxConn"`
	MaxRateMin int `json:"maxRateMin"`
	MaxRateSec int `json:"maxRateSec"`
	BanHours   int `json:"banHours"`
}

// withDefaults fills zero fields.
func (p Protection) withDefaults() Protection {
	def := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	def(&p.Proto, ProtoTCP)
	def(&p.MaxConn, 400)
	def(&p.MaxRateMin, 400)
	def(&p.MaxRateSec, 300)
	def(&p.BanHours, 24)
	return p
}

func (p Protection) validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", script.ErrInvalidParams, p.Port)
	}
	if p.Proto < ProtoTCP || p.Proto > ProtoBoth {
		return fmt.Errorf("%w: protocol %d", script.ErrInvalidParams, p.Proto)
	}
	for _, v := range []int{p.MaxConn, p.MaxRateMin, p.MaxRateSec, p.BanHours} {
		if v < 0 {
			return fmt.Errorf("%w: negative limit %d", script.ErrInvalidParams, v)
		}
	}
	return nil
}

// ProtectPort applies rate limits to one port.
func (s *Service) ProtectPort(ctx context.Context, hostID string, p Protection) Response {
	p = p.withDefaults()
	if err := p.validate(); err != nil {
		return fail(failure.Safety(hostID, "validate", err))
	}
	return s.mutate(ctx, hostID, script.ProtectPort,
		strconv.Itoa(p.Port), strconv.Itoa(p.Proto), strconv.Itoa(p.MaxConn),
		strconv.Itoa(p.MaxRateMin), strconv.Itoa(p.MaxRateSec), strconv.Itoa(p.BanHours))
}

// IPListOp selects a change to the defense black and white lists.
type IPListOp int

const (
	AddWhite IPListOp = iota + 1
	AddBlack
	RemoveWhite
	RemoveBlack
)

var ipListOps = map[string]IPListOp{
	"add-white":    AddWhite,
	"add-black":    AddBlack,
	"remove-white": RemoveWhite,
	"remove-black": RemoveBlack,
}

// ParseIPListOp accepts a numeric op or its name, e.g. "add-black".
func ParseIPListOp(s string) (IPListOp, error) {
	if n, err := strconv.Atoi(s); err == nil && n >= int(AddWhite) && n <= int(RemoveBlack) {
		return IPListOp(n), nil
	}
	if op, ok := ipListOps[s]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("unknown ip list operation %q", s)
}

func (o IPListOp) String() string {
	for name, op := range ipListOps {
		if op == o {
			return name
		}
	}
	return "op-" + strconv.Itoa(int(o))
}

// ManageIPList adds ip to, or removes it from, a defense list. duration is
// how long, in seconds, an entry lasts; 0 keeps it until removed.
func (s *Service) ManageIPList(ctx context.Context, hostID string, op IPListOp, ip string, duration int) Response {
	if op < AddWhite || op > RemoveBlack {
		return fail(failure.Safety(hostID, "validate", fmt.Errorf("%w: %s", script.ErrInvalidParams, op)))
	}
	if !validAddress(ip) {
		return fail(failure.Safety(hostID, "validate", fmt.Errorf("%w: %q is not an IPv4 address or network", script.ErrInvalidParams, ip)))
	}
	if duration < 0 {
		return fail(failure.Safety(hostID, "validate", fmt.Errorf("%w: negative duration", script.ErrInvalidParams)))
	}
	return s.mutate(ctx, hostID, script.ManageIPList, strconv.Itoa(int(op)), ip, strconv.Itoa(duration))
}

func validAddress(s string) bool {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return err == nil && p.Addr().Is4()
	}
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}
