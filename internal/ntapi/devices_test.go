package ntapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceMapDosName(t *testing.T) {
	m := DeviceMap{
		`\Device\HarddiskVolume1`: "D:",
		`\Device\HarddiskVolume3`: "C:",
		`\Device\Mup`:             "UNC",
	}
	tests := []struct {
		in, want string
	}{
		{`\Device\HarddiskVolume3\data\a.txt`, `\??\C:\data\a.txt`},
		{`\device\harddiskvolume3\Data`, `\??\C:\Data`},
		{`\Device\HarddiskVolume3`, `\??\C:\`},
		{`\Device\HarddiskVolume1\x`, `\??\D:\x`},
		{`\Device\HarddiskVolume10\x`, `\Device\HarddiskVolume10\x`},
		{`\Device\Mup\server\share\f`, `\??\UNC\server\share\f`},
		{`\Device\NamedPipe\p`, `\Device\NamedPipe\p`},
		{`\REGISTRY\MACHINE\SOFTWARE`, `\REGISTRY\MACHINE\SOFTWARE`},
		{`\??\C:\already`, `\??\C:\already`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.DosName(tt.in), tt.in)
	}
	assert.Equal(t, `\Device\X\y`, DeviceMap(nil).DosName(`\Device\X\y`))
}
