package script

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	intPattern   = regexp.MustCompile(`\d+`)
	rulePattern  = regexp.MustCompile(`^={3,}$`)
	parenPattern = regexp.MustCompile(`\([^)]*\)`)
	ipv4Pattern  = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)
	portSpecExpr = regexp.MustCompile(`^\d+(-\d+)?(,\d+(-\d+)?)*$`)

	mgmtPortPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)SSH端口\s*[:：]\s*(\d+)`),
		regexp.MustCompile(`(?i)端口\s*[:：]\s*(\d+)`),
		regexp.MustCompile(`(?i)port\s*[:：]\s*(\d+)`),
	}
)

var (
	noPortsPhrases = []string{"当前未放行任何端口", "No allowed ports"}
	noIPsPhrases   = []string{"当前未放行任何 IP", "No allowed IPs"}
)

// Ports is the parsed report of allowed inbound ports.
type Ports struct {
	TCP []int `json:"tcp"`
	UDP []int `json:"udp"`
}

// StripANSI removes terminal colour escapes.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ParsePorts extracts the TCP and UDP port lists from the script's inbound
// port report. A section starts at a line naming its protocol and ends at a
// line of three or more '=' or at the other protocol's header. Missing
// sections yield empty lists.
func ParsePorts(text string) Ports {
	out := Ports{TCP: []int{}, UDP: []int{}}
	text = StripANSI(text)
	if containsAny(text, noPortsPhrases) {
		return out
	}

	var section *[]int
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case rulePattern.MatchString(line):
			section = nil
			continue
		case strings.Contains(line, "TCP"):
			section = &out.TCP
			line = afterHeader(line, "TCP")
		case strings.Contains(line, "UDP"):
			section = &out.UDP
			line = afterHeader(line, "UDP")
		}
		if section == nil {
			continue
		}
		*section = append(*section, portsIn(line)...)
	}
	return out
}

// afterHeader returns what follows the header label on a header line, so
// that "TCP ports (IPv4): 22" yields "22" and not the 4 in IPv4.
func afterHeader(line, label string) string {
	if i := strings.LastIndexAny(line, ":："); i >= 0 {
		_, size := utf8.DecodeRuneInString(line[i:])
		return line[i+size:]
	}
	_, rest, _ := strings.Cut(line, label)
	return parenPattern.ReplaceAllString(rest, "")
}

func portsIn(s string) []int {
	var out []int
	for _, m := range intPattern.FindAllString(s, -1) {
		n, err := strconv.Atoi(m)
		if err != nil || n < 1 || n > 65535 {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ParseIPs extracts IPv4 addresses (optionally with a prefix length) from the
// script's inbound IP report. When the report has a section headed by a line
// mentioning IPs, only that section is scanned; otherwise the whole text is.
func ParseIPs(text string) []string {
	text = StripANSI(text)
	if containsAny(text, noIPsPhrases) {
		return []string{}
	}

	lines := strings.Split(text, "\n")
	body := lines
	for i, line := range lines {
		if isIPHeader(line) {
			body = lines[i+1:]
			for j, l := range body {
				if rulePattern.MatchString(strings.TrimSpace(l)) {
					body = body[:j]
					break
				}
			}
			break
		}
	}

	out := []string{}
	seen := make(map[string]struct{})
	for _, line := range body {
		for _, m := range ipv4Pattern.FindAllString(line, -1) {
			if !validIP(m) {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func isIPHeader(line string) bool {
	line = strings.TrimSpace(line)
	if ipv4Pattern.MatchString(line) {
		return false
	}
	return strings.Contains(line, "IP") && strings.ContainsAny(line, ":：")
}

func validIP(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// ParseManagementPort extracts the SSH port from the script's port report.
func ParseManagementPort(text string) (int, bool) {
	text = StripANSI(text)
	for _, re := range mgmtPortPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 && n <= 65535 {
			return n, true
		}
	}
	return 0, false
}

// PortRange is an inclusive range of ports. A single port has Low == High.
type PortRange struct {
	Low, High int
}

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

func (r PortRange) String() string {
	if r.Low == r.High {
		return strconv.Itoa(r.Low)
	}
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// ParsePortSpec parses a comma separated list of ports and ranges such as
// "80,443,8000-8100".
func ParsePortSpec(spec string) ([]PortRange, error) {
	spec = strings.ReplaceAll(strings.TrimSpace(spec), " ", "")
	if !portSpecExpr.MatchString(spec) {
		return nil, fmt.Errorf("invalid port list %q", spec)
	}
	var out []PortRange
	for _, part := range strings.Split(spec, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		low, _ := strconv.Atoi(lo)
		high := low
		if isRange {
			high, _ = strconv.Atoi(hi)
		}
		if low < 1 || high > 65535 || low > high {
			return nil, fmt.Errorf("invalid port range %q", part)
		}
		out = append(out, PortRange{Low: low, High: high})
	}
	return out, nil
}
