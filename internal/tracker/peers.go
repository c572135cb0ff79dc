package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const compactPeerStride = 6 // 4 bytes IPv4 + 2 bytes port

// decodeCompactPeers decodes the tracker's compact peer list: a single
// byte string, 6 bytes per peer (4-byte IPv4 address, 2-byte big-endian
// port). Some trackers return a dict-style peer list instead; both are
// accepted.
func decodeCompactPeers(v any) ([]netip.AddrPort, error) {
	switch val := v.(type) {
	case string:
		return decodeCompactBytes([]byte(val))
	case []byte:
		return decodeCompactBytes(val)
	case []any:
		return decodeDictPeers(val)
	default:
		return nil, fmt.Errorf("tracker: peers field has unsupported type %T", v)
	}
}

func decodeCompactBytes(raw []byte) ([]netip.AddrPort, error) {
	if len(raw)%compactPeerStride != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(raw), compactPeerStride)
	}

	n := len(raw) / compactPeerStride
	out := make([]netip.AddrPort, 0, n)
	for i := 0; i < n; i++ {
		chunk := raw[i*compactPeerStride : (i+1)*compactPeerStride]
		addr := netip.AddrFrom4([4]byte(chunk[0:4]))
		port := binary.BigEndian.Uint16(chunk[4:6])
		out = append(out, netip.AddrPortFrom(addr, port))
	}
	return out, nil
}

func decodeDictPeers(entries []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(entries))
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peers[%d]: not a dict", i)
		}

		ipStr, err := toString(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peers[%d]: invalid ip: %w", i, err)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peers[%d]: invalid ip: %w", i, err)
		}

		portVal, err := toInt(m["port"])
		if err != nil || portVal < 0 || portVal > 0xffff {
			return nil, fmt.Errorf("tracker: peers[%d]: invalid port", i)
		}

		out = append(out, netip.AddrPortFrom(addr, uint16(portVal)))
	}
	return out, nil
}
