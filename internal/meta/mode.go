package meta

import "strconv"

// ParseMode says how the front of the accumulation buffer is interpreted:
// as request lines, or as the next n bytes of one opaque block.
type ParseMode struct {
	block uint
}

func LineMode() ParseMode { return ParseMode{} }

// BlockMode(0) is LineMode.
func BlockMode(n uint) ParseMode { return ParseMode{block: n} }

// Block returns the announced block length and whether a block is expected.
func (m ParseMode) Block() (uint, bool) {
	return m.block, m.block > 0
}

func (m ParseMode) IsLine() bool { return m.block == 0 }

func (m ParseMode) String() string {
	if m.block == 0 {
		return "line"
	}
	return "block(" + strconv.FormatUint(uint64(m.block), 10) + ")"
}
