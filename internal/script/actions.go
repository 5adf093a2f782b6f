package script

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/eugenetaranov/nftgate/internal/cache"
)

// Action is a numeric menu code understood by the firewall script. Codes are
// fixed by the script and must never be renumbered.
type Action int

const (
	ListBlocked          Action = 0
	BlockBTPT            Action = 1
	BlockSpam            Action = 2
	BlockAll             Action = 3
	BlockPorts           Action = 4
	BlockKeyword         Action = 5
	UnblockBTPT          Action = 6
	UnblockSpam          Action = 7
	UnblockAll           Action = 8
	UnblockPorts         Action = 9
	UnblockKeyword       Action = 10
	UnblockAllKeywords   Action = 11
	ListInboundPorts     Action = 13
	ListInboundIPs       Action = 14
	AllowInboundPorts    Action = 15
	DisallowInboundPorts Action = 16
	AllowInboundIPs      Action = 17
	DisallowInboundIPs   Action = 18
	ManagementPort       Action = 19
	ClearAll             Action = 20
	Upgrade              Action = 21
	SetupDefense         Action = 22
	ProtectPort          Action = 23
	ManageIPList         Action = 24
	DefenseStatus        Action = 25
)

// Info describes one catalogue entry.
type Info struct {
	Action      Action
	Name        string
	Description string

	// Mutates is set for actions that change firewall state.
	Mutates bool
	// Reads is the cache field a read-only action populates.
	Reads string
	// Invalidates lists the cache fields a mutating action makes stale.
	Invalidates []string
	// ClearsCache is set for bulk actions after which nothing cached holds.
	ClearsCache bool
	// Revokes is set when the action's port list withdraws access and must
	// pass the management port check.
	Revokes bool
	// Params names the positional parameters, for help output.
	Params []string
}

var catalogue = map[Action]Info{
	ListBlocked:        {Name: "list-blocked", Description: "list blocked traffic rules", Reads: cache.FieldBlockList},
	BlockBTPT:          {Name: "block-btpt", Description: "block BT/PT traffic", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	BlockSpam:          {Name: "block-spam", Description: "block SPAM mail ports", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	BlockAll:           {Name: "block-all", Description: "block BT/PT and SPAM", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	BlockPorts:         {Name: "block-ports", Description: "block outbound ports", Mutates: true, Invalidates: []string{cache.FieldBlockList}, Params: []string{"ports"}},
	BlockKeyword:       {Name: "block-keyword", Description: "block a keyword", Mutates: true, Invalidates: []string{cache.FieldBlockList}, Params: []string{"keyword"}},
	UnblockBTPT:        {Name: "unblock-btpt", Description: "unblock BT/PT traffic", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	UnblockSpam:        {Name: "unblock-spam", Description: "unblock SPAM mail ports", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	UnblockAll:         {Name: "unblock-all", Description: "unblock BT/PT and SPAM", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	UnblockPorts:       {Name: "unblock-ports", Description: "unblock outbound ports", Mutates: true, Invalidates: []string{cache.FieldBlockList}, Params: []string{"ports"}},
	UnblockKeyword:     {Name: "unblock-keyword", Description: "unblock a keyword", Mutates: true, Invalidates: []string{cache.FieldBlockList}, Params: []string{"keyword"}},
	UnblockAllKeywords: {Name: "unblock-all-keywords", Description: "unblock every keyword", Mutates: true, Invalidates: []string{cache.FieldBlockList}},
	ListInboundPorts:   {Name: "inbound-ports", Description: "list allowed inbound ports", Reads: cache.FieldInboundPorts},
	ListInboundIPs:     {Name: "inbound-ips", Description: "list allowed inbound IPs", Reads: cache.FieldInboundIPs},
	AllowInboundPorts:  {Name: "allow-ports", Description: "allow inbound ports", Mutates: true, Invalidates: []string{cache.FieldInboundPorts}, Params: []string{"ports"}},
	DisallowInboundPorts: {
		Name: "disallow-ports", Description: "withdraw inbound ports", Mutates: true,
		Invalidates: []string{cache.FieldInboundPorts}, Revokes: true, Params: []string{"ports"},
	},
	AllowInboundIPs:    {Name: "allow-ips", Description: "allow inbound IPs", Mutates: true, Invalidates: []string{cache.FieldInboundIPs}, Params: []string{"ips"}},
	DisallowInboundIPs: {Name: "disallow-ips", Description: "withdraw inbound IPs", Mutates: true, Invalidates: []string{cache.FieldInboundIPs}, Params: []string{"ips"}},
	ManagementPort:     {Name: "ssh-port", Description: "show the SSH port", Reads: cache.FieldSSHPortStatus},
	ClearAll:           {Name: "clear-all", Description: "flush and rebuild all rules", Mutates: true, ClearsCache: true},
	Upgrade:            {Name: "upgrade", Description: "upgrade the script", Mutates: true, ClearsCache: true},
	SetupDefense: {
		Name: "setup-defense", Description: "set up DDoS defense", Mutates: true,
		Invalidates: []string{cache.FieldDefenseStatus, cache.FieldInboundPorts},
	},
	ProtectPort: {
		Name: "protect-port", Description: "custom port protection", Mutates: true,
		Invalidates: []string{cache.FieldDefenseStatus},
		Params:      []string{"port", "proto", "max_conn", "max_rate_min", "max_rate_sec", "ban_hours"},
	},
	ManageIPList: {
		Name: "ip-list", Description: "manage the IP black/white list", Mutates: true,
		Invalidates: []string{cache.FieldDefenseStatus, cache.FieldInboundIPs},
		Params:      []string{"op", "ip", "duration"},
	},
	DefenseStatus: {Name: "defense-status", Description: "show defense status", Reads: cache.FieldDefenseStatus},
}

func init() {
	for a, info := range catalogue {
		info.Action = a
		catalogue[a] = info
	}
}

// Lookup returns the catalogue entry for a.
func Lookup(a Action) (Info, bool) {
	info, ok := catalogue[a]
	return info, ok
}

// Actions returns the catalogue ordered by code.
func Actions() []Info {
	out := make([]Info, 0, len(catalogue))
	for _, info := range catalogue {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// ParseAction accepts a numeric code or a catalogue name.
func ParseAction(s string) (Action, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := catalogue[Action(n)]; ok {
			return Action(n), nil
		}
		return 0, fmt.Errorf("unknown action code %d", n)
	}
	for a, info := range catalogue {
		if info.Name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) String() string {
	if info, ok := catalogue[a]; ok {
		return info.Name
	}
	return "action-" + strconv.Itoa(int(a))
}
