package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectPages(t *testing.T, regions []Region) map[uint32][]byte {
	t.Helper()
	pages := map[uint32][]byte{}
	err := buildPages(regions, func(address uint32, data []byte) error {
		require.Equal(t, 0, int(address%pageSize), "page address must be 256-byte aligned")
		require.Len(t, data, pageSize)
		cp := make([]byte, pageSize)
		copy(cp, data)
		pages[address] = cp
		return nil
	})
	require.NoError(t, err)
	return pages
}

func TestBuildPagesAlignedRegion(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 512)
	pages := collectPages(t, []Region{{BaseAddress: 0x1000, Data: data}})

	require.Len(t, pages, 2)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 256), pages[0x1000])
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 256), pages[0x1100])
}

func TestBuildPagesMisalignedHead(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 16)
	pages := collectPages(t, []Region{{BaseAddress: 0x1010, Data: data}})

	require.Len(t, pages, 1)
	page := pages[0x1000]
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 0x10), page[0x00:0x10])
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 0x10), page[0x10:0x20])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, pageSize-0x20), page[0x20:])
}

func TestBuildPagesStraddlingRegion(t *testing.T) {
	// base 0x1000_00f0, 48 bytes: the region starts 16 bytes before the
	// end of its first page and runs past the boundary, so it emits
	// two pages, not one (see DESIGN.md).
	data := bytes.Repeat([]byte{0x11}, 48)
	pages := collectPages(t, []Region{{BaseAddress: 0x100000f0, Data: data}})

	require.Len(t, pages, 2)
	first := pages[0x10000000]
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 0xf0), first[:0xf0])
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 0x10), first[0xf0:])

	second := pages[0x10000100]
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 0x20), second[:0x20])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, pageSize-0x20), second[0x20:])
}

func TestBuildPagesNeverMergesAcrossRegions(t *testing.T) {
	regions := []Region{
		{BaseAddress: 0x2000, Data: []byte{0x01, 0x02}},
		{BaseAddress: 0x2010, Data: []byte{0x03, 0x04}},
	}
	var emitted []uint32
	err := buildPages(regions, func(address uint32, data []byte) error {
		emitted = append(emitted, address)
		return nil
	})
	require.NoError(t, err)
	// Both regions share page 0x2000, so the same page address is
	// emitted twice, once per region, never merged.
	assert.Equal(t, []uint32{0x2000, 0x2000}, emitted)
}
