package admin

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encodeGeoFields wire-encodes GETGEO's {cylinders, heads, sectors, start}.
func encodeGeoFields(cylinders, heads, sectors, start uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, cylinders)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, heads)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, sectors)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, start)
	return b
}

// Geo is the decoded GETGEO result.
type Geo struct {
	Cylinders uint64
	Heads     uint64
	Sectors   uint64
	Start     uint64
}

// DecodeGeo parses a GETGEO buf_out.
func DecodeGeo(buf []byte) (Geo, error) {
	var g Geo
	for len(buf) > 0 {
		num, _, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return g, fmt.Errorf("admin: geo: bad tag")
		}
		buf = buf[n:]
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return g, fmt.Errorf("admin: geo: bad field %d", num)
		}
		switch num {
		case 1:
			g.Cylinders = v
		case 2:
			g.Heads = v
		case 3:
			g.Sectors = v
		case 4:
			g.Start = v
		}
		buf = buf[n:]
	}
	return g, nil
}
