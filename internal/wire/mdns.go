package wire

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

// Advertise announces a hub on the local network. Shut the returned server
// down when the hub stops listening.
func Advertise(port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("wire: hostname: %w", err)
	}

	service, err := mdns.NewMDNSService(
		host,
		serviceType,
		"", // default ".local" domain
		"", // default OS hostname
		port,
		nil, // auto-detect IPs
		[]string{"qenboard"},
	)
	if err != nil {
		return nil, fmt.Errorf("wire: mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("wire: mdns server: %w", err)
	}
	return server, nil
}

// Browse looks for an advertised hub and returns the first host:port found
// within the timeout.
func Browse(timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan string, 1)
	go func() {
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			select {
			case found <- fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port):
			default:
			}
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		close(entries)
		return "", fmt.Errorf("wire: mdns query: %w", err)
	}
	close(entries)

	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", fmt.Errorf("wire: no hub found within %s", timeout)
	}
}

// FirstIPv4 picks the address peers should dial to reach this machine,
// skipping loopback and down interfaces.
func FirstIPv4() net.IP {
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.To4()
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
