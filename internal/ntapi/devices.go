package ntapi

import "strings"

// DeviceMap maps NT device names such as \Device\HarddiskVolume3 to the
// DOS device they are reachable through, such as C: or UNC.
type DeviceMap map[string]string

// DosName rewrites a name under a mapped device into its \??\ form, so that
// \Device\HarddiskVolume3\data\a.txt becomes \??\C:\data\a.txt. Names under
// no mapped device are returned unchanged.
func (m DeviceMap) DosName(name string) string {
	for dev, dos := range m {
		if len(name) < len(dev) || !strings.EqualFold(name[:len(dev)], dev) {
			continue
		}
		rest := name[len(dev):]
		switch {
		case rest == "":
			rest = `\`
		case rest[0] != '\\':
			// \Device\HarddiskVolume10 is not under \Device\HarddiskVolume1.
			continue
		}
		return `\??\` + dos + rest
	}
	return name
}
