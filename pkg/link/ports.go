package link

import (
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Product string
}

// USB vendor ids of the supported boards.
var vendorHints = map[string]string{
	"2e8a": "pico",    // Raspberry Pi
	"2341": "r4",      // Arduino
	"1a86": "feetech", // WCH CH340/CH343, used on Feetech bus adapters
	"0403": "feetech", // FTDI
}

// Guess returns the hardware variant a port most likely belongs to, or ""
// when nothing matches.
func (p PortInfo) Guess() string {
	if v, ok := vendorHints[strings.ToLower(p.VID)]; ok {
		return v
	}
	name := strings.ToLower(p.Name)
	switch {
	case strings.Contains(name, "ttyacm"), strings.Contains(name, "usbmodem"):
		return "r4"
	case strings.Contains(name, "ttyusb"), strings.Contains(name, "usbserial"):
		return "feetech"
	}
	return ""
}

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	s := fmt.Sprintf("%s [%s:%s]", p.Name, p.VID, p.PID)
	if p.Product != "" {
		s += " " + p.Product
	}
	return s
}

// ListPorts returns the serial ports on the host, USB ports first. Bluetooth
// pseudo ports are skipped.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if strings.Contains(d.Name, "Bluetooth") {
			continue
		}
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	sortPorts(ports)
	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].USB != ports[j].USB {
			return ports[i].USB
		}
		return ports[i].Name < ports[j].Name
	})
}
