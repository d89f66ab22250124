package admin

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/snapshot"
)

// encodeSnapshotCreate wire-encodes CREATE_SNAPSHOT's buf_in: {name, lsid}.
func encodeSnapshotCreate(name string, lsid uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, lsid)
	return b
}

func decodeSnapshotCreate(buf []byte) (name string, lsid uint64, err error) {
	for len(buf) > 0 {
		num, _, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", 0, fmt.Errorf("admin: snapshot create: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return "", 0, fmt.Errorf("admin: snapshot create: bad name")
			}
			name = v
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return "", 0, fmt.Errorf("admin: snapshot create: bad lsid")
			}
			lsid = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, protowire.VarintType, buf)
			if n < 0 {
				return "", 0, fmt.Errorf("admin: snapshot create: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return name, lsid, nil
}

// encodeSnapshotRecord wire-encodes a GET_SNAPSHOT buf_out: {lsid,
// timestamp, name}.
func encodeSnapshotRecord(rec logformat.SnapshotRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, rec.LSID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, rec.Timestamp)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, rec.NameString())
	return b
}

func decodeSnapshotRecord(buf []byte) (logformat.SnapshotRecord, error) {
	var rec logformat.SnapshotRecord
	for len(buf) > 0 {
		num, _, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return rec, fmt.Errorf("admin: snapshot record: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return rec, fmt.Errorf("admin: snapshot record: bad lsid")
			}
			rec.LSID = v
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return rec, fmt.Errorf("admin: snapshot record: bad timestamp")
			}
			rec.Timestamp = v
			buf = buf[n:]
		case 3:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return rec, fmt.Errorf("admin: snapshot record: bad name")
			}
			copy(rec.Name[:], v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, protowire.VarintType, buf)
			if n < 0 {
				return rec, fmt.Errorf("admin: snapshot record: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return rec, nil
}

func encodeEntry(e snapshot.Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, e.LSID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ID))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	return b
}

func decodeEntry(buf []byte) (snapshot.Entry, error) {
	var e snapshot.Entry
	for len(buf) > 0 {
		num, _, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return e, fmt.Errorf("admin: entry: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, fmt.Errorf("admin: entry: bad lsid")
			}
			e.LSID = v
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, fmt.Errorf("admin: entry: bad id")
			}
			e.ID = uint32(v)
			buf = buf[n:]
		case 3:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return e, fmt.Errorf("admin: entry: bad name")
			}
			e.Name = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, protowire.VarintType, buf)
			if n < 0 {
				return e, fmt.Errorf("admin: entry: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return e, nil
}

// encodeEntries wire-encodes a list of entries as repeated length-delimited
// submessages (field 1), for LIST_SNAPSHOT_RANGE/LIST_SNAPSHOT_FROM's
// buf_out.
func encodeEntries(entries []snapshot.Entry) []byte {
	var b []byte
	for _, e := range entries {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEntry(e))
	}
	return b
}

func decodeEntries(buf []byte) ([]snapshot.Entry, error) {
	var out []snapshot.Entry
	for len(buf) > 0 {
		num, _, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("admin: entries: bad tag")
		}
		buf = buf[n:]
		if num != 1 {
			n := protowire.ConsumeFieldValue(num, protowire.BytesType, buf)
			if n < 0 {
				return nil, fmt.Errorf("admin: entries: bad field %d", num)
			}
			buf = buf[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("admin: entries: bad submessage")
		}
		e, err := decodeEntry(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		buf = buf[n:]
	}
	return out, nil
}
