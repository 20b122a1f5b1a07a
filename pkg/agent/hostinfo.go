package agent

import (
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
)

// detectHostProperties gathers the hostname and interface addresses the
// worker advertises with CreateWorker and UpdateWorker(STARTED). Detection is
// best effort: a host with no readable interfaces still registers.
func detectHostProperties(logger *zap.Logger) *api.HostProperties {
	props := &api.HostProperties{}
	if name, err := os.Hostname(); err == nil {
		props.HostName = name
	} else {
		logger.Warn("Could not read hostname", zap.Error(err))
	}

	ifaces, err := psnet.Interfaces()
	if err != nil {
		logger.Warn("Could not list network interfaces", zap.Error(err))
		return props
	}

	var addrs []string
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			addrs = append(addrs, addr.Addr)
		}
	}

	v4, v6 := splitAddresses(addrs)
	if len(v4) > 0 || len(v6) > 0 {
		props.IPAddresses = &api.IPAddresses{
			IPV4Addresses: v4,
			IPV6Addresses: v6,
		}
	}
	return props
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// splitAddresses classifies raw interface address strings into sorted,
// deduplicated IPv4 and IPv6 lists. IPv6 addresses are reported uppercase
// with any zone stripped; unparsable entries are dropped.
func splitAddresses(addrs []string) (v4, v6 []string) {
	seen4 := map[string]bool{}
	seen6 := map[string]bool{}
	for _, raw := range addrs {
		ip := parseInterfaceAddr(raw)
		if ip == nil {
			continue
		}
		if four := ip.To4(); four != nil {
			seen4[four.String()] = true
		} else {
			seen6[strings.ToUpper(ip.String())] = true
		}
	}
	for a := range seen4 {
		v4 = append(v4, a)
	}
	for a := range seen6 {
		v6 = append(v6, a)
	}
	sort.Strings(v4)
	sort.Strings(v6)
	return v4, v6
}

// parseInterfaceAddr handles the address shapes interface listings produce:
// plain literals, CIDR notation, and zone-suffixed IPv6.
func parseInterfaceAddr(raw string) net.IP {
	if i := strings.IndexByte(raw, '%'); i >= 0 {
		rest := ""
		if j := strings.IndexByte(raw[i:], '/'); j >= 0 {
			rest = raw[i+j:]
		}
		raw = raw[:i] + rest
	}
	if strings.Contains(raw, "/") {
		ip, _, err := net.ParseCIDR(raw)
		if err != nil {
			return nil
		}
		return ip
	}
	return net.ParseIP(raw)
}

// platformFields describes the host and build for the startup report.
func platformFields(version string) map[string]interface{} {
	fields := map[string]interface{}{
		"agent_version": version,
		"go_version":    runtime.Version(),
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
	}
	if info, err := host.Info(); err == nil {
		fields["platform"] = info.Platform
		fields["platform_version"] = info.PlatformVersion
		fields["kernel_version"] = info.KernelVersion
	}
	return fields
}
