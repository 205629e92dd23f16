package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"4MB", 4 * MB},
		{"4mb", 4 * MB},
		{"4 MiB", 4 * MB},
		{"1.5GB", GB + GB/2},
		{"64K", 64 * KB},
		{"2TB", 2 * TB},
		{"  512 B ", 512},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1MB", "10XB", "1.2.3MB"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
	assert.Equal(t, 4*MB, MustParse("4MB"))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "1023 B", Format(1023))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "4.00 MB", Format(4*MB))
	assert.Equal(t, "1.50 GB", Format(GB+GB/2))
}
