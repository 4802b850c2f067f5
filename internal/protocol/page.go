package protocol

// eraseByte is the value of unwritten flash in this device family.
const eraseByte byte = 0xff

// pageSize is the flash-programming page unit.
const pageSize = 256

// Region is one contiguous run of firmware image bytes starting at
// BaseAddress, as produced by the Intel-HEX parser. Page building
// never merges data across two Regions: each Region re-anchors the
// page cursor, so two regions sharing a 256-byte page emit that page
// address twice (see DESIGN.md).
type Region struct {
	BaseAddress uint32
	Data        []byte
}

// buildPages converts regions, in order, into 256-byte aligned,
// 0xff-padded pages and invokes emit for each one in non-decreasing
// address order within a region. emit receives a fresh copy of the
// page's 256 data bytes each call.
func buildPages(regions []Region, emit func(address uint32, data []byte) error) error {
	for _, region := range regions {
		if len(region.Data) == 0 {
			continue
		}
		addr := region.BaseAddress
		pageAddr := addr &^ (pageSize - 1)
		fill := int(addr % pageSize)

		var buf [pageSize]byte
		for i := 0; i < fill; i++ {
			buf[i] = eraseByte
		}

		data := region.Data
		for len(data) > 0 {
			room := pageSize - fill
			n := room
			if n > len(data) {
				n = len(data)
			}
			copy(buf[fill:fill+n], data[:n])
			data = data[n:]
			fill += n

			if fill == pageSize {
				if err := emit(pageAddr, append([]byte(nil), buf[:]...)); err != nil {
					return err
				}
				pageAddr += pageSize
				fill = 0
				buf = [pageSize]byte{}
			}
		}

		if fill > 0 && fill < pageSize {
			for i := fill; i < pageSize; i++ {
				buf[i] = eraseByte
			}
			if err := emit(pageAddr, append([]byte(nil), buf[:]...)); err != nil {
				return err
			}
		}
	}
	return nil
}
