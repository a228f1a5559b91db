// Package endpoint describes a reachable peer on the network.
package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net"

	"github.com/opentensor/BitTensor/internal/tensor"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

const (
	IPTypeV4 uint8 = 4
	IPTypeV6 uint8 = 6
)

// Endpoint is an immutable description of a peer. It is replaced wholesale
// on resync, never mutated in place.
type Endpoint struct {
	Hotkey   string
	IP       string
	Port     uint16
	UID      uint32
	Modality tensor.Modality
	IPType   uint8
}

func New(uid uint32, hotkey, ip string, port uint16, modality tensor.Modality) (Endpoint, error) {
	if hotkey == "" {
		return Endpoint{}, errors.New("endpoint needs a hotkey")
	}
	netip := net.ParseIP(ip)
	if netip == nil {
		return Endpoint{}, fmt.Errorf("could not parse ip %q", ip)
	}
	ipType := IPTypeV6
	if netip.To4() != nil {
		ipType = IPTypeV4
	}
	return Endpoint{
		Hotkey:   hotkey,
		IP:       ip,
		Port:     port,
		UID:      uid,
		Modality: modality,
		IPType:   ipType,
	}, nil
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, fmt.Sprintf("%d", e.Port))
}

// IsEmpty reports the unknown-peer placeholder the metagraph holds for uids
// whose detail fetch has not landed yet.
func (e Endpoint) IsEmpty() bool {
	return e.Hotkey == "" && e.IP == ""
}

// FromChainIP decodes the u128 ip slot of on-chain axon info. A zero value
// means the peer never served an axon.
func FromChainIP(ip types.U128, ipType uint8) string {
	if ip.Int == nil || ip.Sign() == 0 {
		return ""
	}
	width := 4
	if ipType == IPTypeV6 {
		width = 16
	}
	raw := ip.Bytes()
	if len(raw) > width {
		return ""
	}
	netip := make(net.IP, width)
	copy(netip[width-len(raw):], raw)
	return netip.String()
}

// ToChainIP packs a textual ip into the u128 slot plus its ip type.
func ToChainIP(ip string) (types.U128, uint8, error) {
	netip := net.ParseIP(ip)
	if netip == nil {
		return types.U128{}, 0, fmt.Errorf("could not parse ip %q", ip)
	}
	if v4 := netip.To4(); v4 != nil {
		return types.NewU128(*big.NewInt(int64(binary.BigEndian.Uint32(v4)))), IPTypeV4, nil
	}
	v6 := new(big.Int).SetBytes(netip.To16())
	return types.NewU128(*v6), IPTypeV6, nil
}
