package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		name    string
		stem    string
		pid     int
		want    string
		wantErr error
	}{
		{name: "default stem", stem: "", pid: 42, want: "/tmp/wi-sock.42"},
		{name: "custom stem", stem: "/run/user/1000/trace", pid: 7, want: "/run/user/1000/trace.7"},
		{name: "exactly at limit", stem: "/" + strings.Repeat("a", maxAddrLen-3), pid: 1, want: "/" + strings.Repeat("a", maxAddrLen-3) + ".1"},
		{name: "too long", stem: "/" + strings.Repeat("a", maxAddrLen), pid: 1, wantErr: ErrAddressTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Address(tt.stem, tt.pid)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), maxAddrLen)
		})
	}
}

func TestEncode(t *testing.T) {
	assert.Equal(t, []byte("/etc/hostname\n"), Encode("/etc/hostname"))
	assert.Equal(t, []byte("\n"), Encode(""))
}
