package admin

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Request is the generic admin control message: {command, val_int, val_u32,
// val_u64, buf_in}, per spec.md §6.
type Request struct {
	Command Command
	ValInt  int32
	ValU32  uint32
	ValU64  uint64
	ValU64B uint64 // second range bound for *_RANGE commands (lsid1)
	BufIn   []byte
}

// Response is the generic admin control reply: {val_u64, val_u32, val_int,
// buf_out, error}.
type Response struct {
	ValU64  uint64
	ValU32  uint32
	ValInt  int32
	BufOut  []byte
	Err     ErrorCode
	ErrText string
}

const (
	fieldReqCommand = 1
	fieldReqValInt  = 2
	fieldReqValU32  = 3
	fieldReqValU64  = 4
	fieldReqBufIn   = 5
	fieldReqValU64B = 6

	fieldRespValU64   = 1
	fieldRespValInt   = 2
	fieldRespBufOut   = 3
	fieldRespErr      = 4
	fieldRespErrText  = 5
	fieldRespValU32   = 6
)

// Marshal encodes r using hand-rolled protobuf wire format (varint and
// length-delimited fields only — Request has no nested messages).
func (r *Request) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReqCommand, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Command))
	b = protowire.AppendTag(b, fieldReqValInt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(protowire.EncodeZigZag(int64(r.ValInt))))
	b = protowire.AppendTag(b, fieldReqValU32, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ValU32))
	b = protowire.AppendTag(b, fieldReqValU64, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ValU64)
	if len(r.BufIn) > 0 {
		b = protowire.AppendTag(b, fieldReqBufIn, protowire.BytesType)
		b = protowire.AppendBytes(b, r.BufIn)
	}
	b = protowire.AppendTag(b, fieldReqValU64B, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ValU64B)
	return b
}

// UnmarshalRequest decodes a Request from its wire form.
func UnmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("admin: request: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldReqCommand:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad command field")
			}
			r.Command = Command(v)
			data = data[n:]
		case fieldReqValInt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad val_int field")
			}
			r.ValInt = int32(protowire.DecodeZigZag(v))
			data = data[n:]
		case fieldReqValU32:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad val_u32 field")
			}
			r.ValU32 = uint32(v)
			data = data[n:]
		case fieldReqValU64:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad val_u64 field")
			}
			r.ValU64 = v
			data = data[n:]
		case fieldReqBufIn:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad buf_in field")
			}
			r.BufIn = append([]byte(nil), v...)
			data = data[n:]
		case fieldReqValU64B:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad val_u64b field")
			}
			r.ValU64B = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("admin: request: bad field %d", num)
			}
			data = data[n:]
		}
	}
	return r, nil
}

// Marshal encodes resp using hand-rolled protobuf wire format.
func (resp *Response) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRespValU64, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.ValU64)
	b = protowire.AppendTag(b, fieldRespValInt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(protowire.EncodeZigZag(int64(resp.ValInt))))
	if len(resp.BufOut) > 0 {
		b = protowire.AppendTag(b, fieldRespBufOut, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.BufOut)
	}
	b = protowire.AppendTag(b, fieldRespErr, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.Err))
	if resp.ErrText != "" {
		b = protowire.AppendTag(b, fieldRespErrText, protowire.BytesType)
		b = protowire.AppendString(b, resp.ErrText)
	}
	b = protowire.AppendTag(b, fieldRespValU32, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.ValU32))
	return b
}

// UnmarshalResponse decodes a Response from its wire form.
func UnmarshalResponse(data []byte) (*Response, error) {
	resp := &Response{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("admin: response: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldRespValU64:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad val_u64 field")
			}
			resp.ValU64 = v
			data = data[n:]
		case fieldRespValInt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad val_int field")
			}
			resp.ValInt = int32(protowire.DecodeZigZag(v))
			data = data[n:]
		case fieldRespBufOut:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad buf_out field")
			}
			resp.BufOut = append([]byte(nil), v...)
			data = data[n:]
		case fieldRespErr:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad error field")
			}
			resp.Err = ErrorCode(v)
			data = data[n:]
		case fieldRespErrText:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad error_message field")
			}
			resp.ErrText = v
			data = data[n:]
		case fieldRespValU32:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad val_u32 field")
			}
			resp.ValU32 = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("admin: response: bad field %d", num)
			}
			data = data[n:]
		}
	}
	return resp, nil
}
