// Package bledb names the Bluetooth assigned numbers a bench run
// encounters: service UUIDs seen in advertisements and the company
// identifiers carried in manufacturer data.
//
// The tables are a curated subset of the SIG assigned numbers plus the
// vendor entries our boards actually advertise, committed as source so
// the harness builds offline.
package bledb

import "strings"

// sigSuffix is the tail of the Bluetooth base UUID,
// xxxxxxxx-0000-1000-8000-00805f9b34fb, with dashes stripped.
const sigSuffix = "00001000800000805f9b34fb"

// NormalizeUUID reduces a UUID to its canonical lookup form: lowercase
// hex without braces, 0x prefixes or dashes, and SIG-base UUIDs folded
// to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigSuffix) {
		return u[4:8]
	}
	if len(u) == 8 && strings.HasPrefix(u, "0000") {
		return u[4:]
	}
	return u
}

var serviceNames = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1812": "Human Interface Device",
	"110a": "Audio Source",
	"110b": "Audio Sink",
	"110e": "A/V Remote Control",
	"111e": "Handsfree",
	"fe2c": "Fast Pair",
	"fe59": "Secure DFU",

	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

// LookupService returns the human name for a service UUID in any
// accepted form, or "" when the table does not know it.
func LookupService(uuid string) string {
	return serviceNames[NormalizeUUID(uuid)]
}

var companyNames = map[uint16]string{
	0x0002: "Intel",
	0x0006: "Microsoft",
	0x004c: "Apple",
	0x0059: "Nordic Semiconductor",
	0x005d: "Realtek Semiconductor",
	0x0075: "Samsung Electronics",
	0x00e0: "Google",
	0x038f: "Xiaomi",
}

// LookupCompany returns the name registered for a Bluetooth company
// identifier, or "" when unknown.
func LookupCompany(id uint16) string {
	return companyNames[id]
}
