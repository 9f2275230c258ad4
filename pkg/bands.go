package pkg

import (
	"fmt"
	"sort"
)

// BandInfo describes one LTE frequency band the router can be locked to.
type BandInfo struct {
	ID        string `json:"id"`         // short identifier, e.g. "B3"
	Name      string `json:"name"`       // human label
	FreqRange string `json:"freq_range"` // downlink range
	Bandwidth string `json:"bandwidth"`
	MaskBit   uint   `json:"mask_bit"` // bit position in the device band mask
}

// LTEBands is the catalog of bands this agent knows how to select. The
// mask bit is band number minus one, per the device's hex band mask layout.
var LTEBands = map[string]BandInfo{
	"B1":  {ID: "B1", Name: "Band 1 (2100 MHz)", FreqRange: "2110-2170 MHz", Bandwidth: "60 MHz", MaskBit: 0},
	"B3":  {ID: "B3", Name: "Band 3 (1800 MHz)", FreqRange: "1805-1880 MHz", Bandwidth: "75 MHz", MaskBit: 2},
	"B7":  {ID: "B7", Name: "Band 7 (2600 MHz)", FreqRange: "2620-2690 MHz", Bandwidth: "70 MHz", MaskBit: 6},
	"B8":  {ID: "B8", Name: "Band 8 (900 MHz)", FreqRange: "925-960 MHz", Bandwidth: "35 MHz", MaskBit: 7},
	"B20": {ID: "B20", Name: "Band 20 (800 MHz)", FreqRange: "791-821 MHz", Bandwidth: "30 MHz", MaskBit: 19},
	"B28": {ID: "B28", Name: "Band 28 (700 MHz)", FreqRange: "758-803 MHz", Bandwidth: "45 MHz", MaskBit: 27},
	"B38": {ID: "B38", Name: "Band 38 (TDD 2600 MHz)", FreqRange: "2570-2620 MHz", Bandwidth: "50 MHz", MaskBit: 37},
	"B40": {ID: "B40", Name: "Band 40 (TDD 2300 MHz)", FreqRange: "2300-2400 MHz", Bandwidth: "100 MHz", MaskBit: 39},
}

// KnownBandIDs returns the catalog band identifiers in stable order.
func KnownBandIDs() []string {
	ids := make([]string, 0, len(LTEBands))
	for id := range LTEBands {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBandMask rejects band identifiers outside the catalog before any
// router call is made.
func ValidateBandMask(mask map[string]bool) error {
	if len(mask) == 0 {
		return fmt.Errorf("%w: empty band mask", ErrConfiguration)
	}
	enabled := 0
	for id, on := range mask {
		if _, ok := LTEBands[id]; !ok {
			return fmt.Errorf("%w: unknown band %q", ErrConfiguration, id)
		}
		if on {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("%w: band mask enables no bands", ErrConfiguration)
	}
	return nil
}

// BandMaskHex folds an enabled-band mapping into the device's hex mask value.
func BandMaskHex(mask map[string]bool) string {
	var bits uint64
	for id, on := range mask {
		if !on {
			continue
		}
		if info, ok := LTEBands[id]; ok {
			bits |= 1 << info.MaskBit
		}
	}
	return fmt.Sprintf("%X", bits)
}
