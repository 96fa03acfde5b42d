package bgp

// BGP path attribute type codes.
const (
	AttrTypeOrigin    uint8 = 1
	AttrTypeASPath    uint8 = 2
	AttrTypeNextHop   uint8 = 3
	AttrTypeMED       uint8 = 4
	AttrTypeLocalPref uint8 = 5
	AttrTypeCommunity uint8 = 8
)

// AS_PATH segment types.
const (
	ASPathSegmentSequence uint8 = 2
)

// Origin values.
var OriginValues = map[uint8]string{
	0: "IGP",
	1: "EGP",
	2: "INCOMPLETE",
}

// BGP message types.
const (
	BGPMsgTypeUpdate uint8 = 2
)

// BGP UPDATE header size: marker(16) + length(2) + type(1) = 19
const BGPHeaderSize = 19
