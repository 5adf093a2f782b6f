package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/script"
)

const (
	commandStep = "command"
	deployStep  = "deploy"
	refreshStep = "refresh"
)

func init() {
	for _, info := range script.Actions() {
		switch info.Action {
		case script.ProtectPort:
			Register(protectPort{})
		case script.ManageIPList:
			Register(ipList{})
		default:
			Register(action{info: info})
		}
	}
	Register(command{})
	Register(deploy{})
	Register(refresh{})
}

// action runs a catalogue action, passing its parameters positionally.
type action struct {
	info script.Info
}

func (a action) Name() string  { return a.info.Name }
func (a action) Changes() bool { return a.info.Mutates }

func (a action) Shorthand() string {
	if len(a.info.Params) == 0 {
		return ""
	}
	return a.info.Params[0]
}

func (a action) Check(p Params) error {
	if err := p.allow(a.info.Params...); err != nil {
		return err
	}
	return p.require(a.info.Params...)
}

func (a action) Run(ctx context.Context, svc Service, t Target, p Params) firewall.Response {
	args := make([]string, 0, len(a.info.Params))
	for _, name := range a.info.Params {
		v, _ := p.String(name)
		args = append(args, v)
	}
	return svc.RunAction(ctx, t.HostID, a.info.Action, args...)
}

// command runs a raw shell command.
type command struct{}

func (command) Name() string      { return commandStep }
func (command) Shorthand() string { return "cmd" }
func (command) Changes() bool     { return true }

func (command) Check(p Params) error {
	if err := p.allow("cmd"); err != nil {
		return err
	}
	return p.require("cmd")
}

func (command) Run(ctx context.Context, svc Service, t Target, p Params) firewall.Response {
	cmd, _ := p.String("cmd")
	return svc.RunCommand(ctx, t.HostID, cmd)
}

// deploy installs the script.
type deploy struct{}

func (deploy) Name() string         { return deployStep }
func (deploy) Shorthand() string    { return "" }
func (deploy) Changes() bool        { return true }
func (deploy) Check(p Params) error { return p.allow() }

func (deploy) Run(ctx context.Context, svc Service, t Target, _ Params) firewall.Response {
	return svc.Deploy(ctx, t.HostID, t.Sink)
}

// refresh re-reads every rule field into the cache.
type refresh struct{}

func (refresh) Name() string         { return refreshStep }
func (refresh) Shorthand() string    { return "" }
func (refresh) Changes() bool        { return false }
func (refresh) Check(p Params) error { return p.allow() }

func (refresh) Run(ctx context.Context, svc Service, t Target, _ Params) firewall.Response {
	return svc.Refresh(ctx, t.HostID)
}

var protocols = map[string]int{
	"tcp":  firewall.ProtoTCP,
	"udp":  firewall.ProtoUDP,
	"both": firewall.ProtoBoth,
}

// protectPort applies rate limits to one port. Omitted limits take the
// service defaults.
type protectPort struct{}

func (protectPort) Name() string      { return script.ProtectPort.String() }
func (protectPort) Shorthand() string { return "port" }
func (protectPort) Changes() bool     { return true }

func (protectPort) Check(p Params) error {
	if err := p.allow("port", "proto", "max_conn", "max_rate_min", "max_rate_sec", "ban_hours"); err != nil {
		return err
	}
	if err := p.require("port"); err != nil {
		return err
	}
	_, err := protection(p)
	return err
}

func protection(p Params) (firewall.Protection, error) {
	var (
		pr   firewall.Protection
		errs []error
	)
	intParam := func(dst *int, key string) {
		n, err := p.Int(key, 0)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = n
	}
	intParam(&pr.Port, "port")
	intParam(&pr.MaxConn, "max_conn")
	intParam(&pr.MaxRateMin, "max_rate_min")
	intParam(&pr.MaxRateSec, "max_rate_sec")
	intParam(&pr.BanHours, "ban_hours")

	if s, ok := p.String("proto"); ok {
		if n, known := protocols[strings.ToLower(s)]; known {
			pr.Proto = n
		} else {
			intParam(&pr.Proto, "proto")
		}
	}
	return pr, errors.Join(errs...)
}

func (protectPort) Run(ctx context.Context, svc Service, t Target, p Params) firewall.Response {
	pr, err := protection(p)
	if err != nil {
		return firewall.Response{Error: err.Error()}
	}
	return svc.ProtectPort(ctx, t.HostID, pr)
}

// ipList edits the defense black and white lists. duration accepts seconds
// or a Go duration such as "12h".
type ipList struct{}

func (ipList) Name() string      { return script.ManageIPList.String() }
func (ipList) Shorthand() string { return "" }
func (ipList) Changes() bool     { return true }

func (ipList) Check(p Params) error {
	if err := p.allow("op", "ip", "duration"); err != nil {
		return err
	}
	if err := p.require("op", "ip"); err != nil {
		return err
	}
	_, _, err := ipListArgs(p)
	return err
}

func ipListArgs(p Params) (firewall.IPListOp, int, error) {
	s, _ := p.String("op")
	op, err := firewall.ParseIPListOp(s)
	if err != nil {
		return 0, 0, err
	}

	if d, ok := p["duration"].(string); ok {
		if parsed, perr := time.ParseDuration(d); perr == nil {
			return op, int(parsed / time.Second), nil
		}
	}
	seconds, err := p.Int("duration", 0)
	if err != nil {
		return 0, 0, fmt.Errorf("%w, or a duration such as 12h", err)
	}
	return op, seconds, nil
}

func (ipList) Run(ctx context.Context, svc Service, t Target, p Params) firewall.Response {
	op, seconds, err := ipListArgs(p)
	if err != nil {
		return firewall.Response{Error: err.Error()}
	}
	ip, _ := p.String("ip")
	return svc.ManageIPList(ctx, t.HostID, op, ip, seconds)
}
