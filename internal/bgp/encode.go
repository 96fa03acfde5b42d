package bgp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EncodeUpdate builds a complete BGP UPDATE message (header included)
// advertising prefixes with the single path-attribute set attrs, or
// withdrawing them if attrs is nil. internal/msgbuilder uses it to turn
// a RIB-OUT UpdateInfo into wire bytes.
func EncodeUpdate(prefixes []string, attrs *PathAttributes) ([]byte, error) {
	var withdrawn, nlri []byte
	var err error

	if attrs == nil {
		withdrawn, err = encodePrefixes(prefixes)
	} else {
		nlri, err = encodePrefixes(prefixes)
	}
	if err != nil {
		return nil, err
	}

	var pathAttrs []byte
	if attrs != nil {
		pathAttrs, err = encodePathAttributes(attrs)
		if err != nil {
			return nil, err
		}
	}

	body := make([]byte, 0, 4+len(withdrawn)+len(pathAttrs)+len(nlri))
	body = appendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = appendUint16(body, uint16(len(pathAttrs)))
	body = append(body, pathAttrs...)
	body = append(body, nlri...)

	msg := make([]byte, 0, BGPHeaderSize+len(body))
	msg = append(msg, make([]byte, 16)...) // marker: unused by the core, zeroed
	msg = appendUint16(msg, uint16(BGPHeaderSize+len(body)))
	msg = append(msg, BGPMsgTypeUpdate)
	msg = append(msg, body...)
	return msg, nil
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func encodePrefixes(prefixes []string) ([]byte, error) {
	var out []byte
	for _, p := range prefixes {
		ip, ipnet, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("bgp: encoding prefix %q: %w", p, err)
		}
		ones, _ := ipnet.Mask.Size()
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("bgp: encoding prefix %q: only IPv4 NLRI is supported", p)
		}
		byteLen := (ones + 7) / 8
		out = append(out, byte(ones))
		out = append(out, v4[:byteLen]...)
	}
	return out, nil
}

func encodePathAttributes(attrs *PathAttributes) ([]byte, error) {
	var out []byte

	out = appendAttr(out, AttrTypeOrigin, []byte{originCode(attrs.Origin)})
	out = appendAttr(out, AttrTypeASPath, encodeASPath(attrs.ASPath))

	nh := net.ParseIP(attrs.Nexthop).To4()
	if nh == nil {
		return nil, fmt.Errorf("bgp: encoding next-hop %q: not a valid IPv4 address", attrs.Nexthop)
	}
	out = appendAttr(out, AttrTypeNextHop, nh)

	if attrs.MED != nil {
		out = appendAttr(out, AttrTypeMED, uint32Bytes(*attrs.MED))
	}
	if attrs.LocalPref != nil {
		out = appendAttr(out, AttrTypeLocalPref, uint32Bytes(*attrs.LocalPref))
	}
	if len(attrs.CommStd) > 0 {
		data, err := encodeCommunities(attrs.CommStd)
		if err != nil {
			return nil, err
		}
		out = appendAttr(out, AttrTypeCommunity, data)
	}
	return out, nil
}

func originCode(origin string) byte {
	for code, name := range OriginValues {
		if name == origin {
			return code
		}
	}
	return 2 // INCOMPLETE
}

func encodeASPath(asPath string) []byte {
	if asPath == "" {
		return []byte{ASPathSegmentSequence, 0}
	}
	asns := splitASPath(asPath)
	out := []byte{ASPathSegmentSequence, byte(len(asns))}
	for _, asn := range asns {
		out = appendUint16(out, uint16(asn))
	}
	return out
}

func splitASPath(asPath string) []int {
	var asns []int
	cur := 0
	has := false
	for i := 0; i <= len(asPath); i++ {
		if i == len(asPath) || asPath[i] == ' ' {
			if has {
				asns = append(asns, cur)
				cur, has = 0, false
			}
			continue
		}
		d := int(asPath[i] - '0')
		if d < 0 || d > 9 {
			continue
		}
		cur = cur*10 + d
		has = true
	}
	return asns
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func encodeCommunities(comms []string) ([]byte, error) {
	out := make([]byte, 0, len(comms)*4)
	for _, c := range comms {
		var hi, lo uint32
		if _, err := fmt.Sscanf(c, "%d:%d", &hi, &lo); err != nil {
			return nil, fmt.Errorf("bgp: encoding community %q: %w", c, err)
		}
		out = appendUint16(out, uint16(hi))
		out = appendUint16(out, uint16(lo))
	}
	return out, nil
}

func appendAttr(out []byte, typeCode uint8, data []byte) []byte {
	const flagTransitive = 0x40
	out = append(out, flagTransitive, typeCode)
	if len(data) > 255 {
		const flagExtLen = 0x10
		out[len(out)-2] |= flagExtLen
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(len(data)))
		out = append(out, tmp[:]...)
	} else {
		out = append(out, byte(len(data)))
	}
	return append(out, data...)
}
