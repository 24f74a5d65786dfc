package recovery

import (
	"errors"
	"net"
)

// interfacePriority lists preferred interface names, highest first
var interfacePriority = []string{"wlp1s0", "Ethernet", "eth0", "wifi", "Wi-Fi"}

// ErrNoInterface is returned when no interface has a hardware address
var ErrNoInterface = errors.New("no network interface with a hardware address")

// HostMAC returns the MAC address the device registers with
func HostMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	return selectMAC(ifaces)
}

// selectMAC picks the first preferred interface by name, then falls back to
// the first non-loopback interface with a hardware address
func selectMAC(ifaces []net.Interface) (string, error) {
	byName := make(map[string]net.Interface, len(ifaces))
	for _, iface := range ifaces {
		byName[iface.Name] = iface
	}

	for _, name := range interfacePriority {
		if iface, ok := byName[name]; ok && len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr.String(), nil
		}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", ErrNoInterface
}
