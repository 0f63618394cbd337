package tape

// RT-11 v5.4 and XXDPv2.5 directory-stamp tables, reproduced word-for-word
// from original_source/file.c's rt11_init/xxdp_init (the AK6DN/tu58em C
// reference implementation this spec was distilled from). Spec.md §4.2
// calls these out as part of the wire-bit-exact contract: "the exact 16-bit
// word tables ... must be emitted verbatim at the source-specified offsets."
// Octal literals in the original are preserved as their exact numeric value,
// written here in hex only because Go has no unadorned-octal literal form
// that reads as cleanly; every value below is byte-identical to the source.

type wordTable struct {
	offset int64
	words  []uint16
}

// rt11Tables is the boot block, bitmap, and two directory segments written
// at fixed offsets when a unit is opened with ModeRT11Init.
var rt11Tables = []wordTable{
	{offset: 0, words: []uint16{
		0x00A0, 0x0005, 0x0104, 0x0000, 0x0000, 0x4310, 0x9C10, 0x0100,
		0x0837, 0x0024, 0x000D, 0x0000, 0x0A00, 0x423F, 0x4F4F, 0x2D54,
		0x2D55, 0x6F4E, 0x6220, 0x6F6F, 0x2074, 0x6E6F, 0x7620, 0x6C6F,
		0x6D75, 0x0D65, 0x0A0A, 0x0080, 0x8BDF, 0xFF74, 0x80FD, 0x941F,
		0xFF76, 0x80FA, 0x01FF,
	}},
	{offset: 512, words: []uint16{0x0000, 0xF000, 0x0FFF}},
	{offset: 960, words: []uint16{
		0xFFFF, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000,
		0x0000, 0x0001, 0x0006, 0x8E53, 0x5452, 0x3131, 0x2041, 0x2020,
		0x2020, 0x2020, 0x2020, 0x2020, 0x2020, 0x2020, 0x2020, 0x2020,
		0x4544, 0x5243, 0x3154, 0x4131, 0x2020, 0x2020,
	}},
	{offset: 3072, words: []uint16{
		0x0001, 0x0000, 0x0001, 0x0000, 0x0008, 0x0200, 0x00D5, 0x6739,
		0x26F4, 0x01F8, 0x0000, 0x04B4, 0x0800,
	}},
}

// xxdpTables is the MFD/UFD/BITMAP layout written when a unit is opened
// with ModeXXDPInit.
var xxdpTables = []wordTable{
	{offset: 512, words: []uint16{0x0002, 0x0001, 0x0007, 0x0007}},  // MFD1
	{offset: 1024, words: []uint16{0x0000, 0x0101, 0x0003, 0x0009}}, // MFD2
	{offset: 1536, words: []uint16{0x0004}},                         // UFD1
	{offset: 2048, words: []uint16{0x0005}},                         // UFD2
	{offset: 2560, words: []uint16{0x0006}},                         // UFD3
	{offset: 3072, words: []uint16{0x0000}},                         // UFD4
	{offset: 3584, words: []uint16{
		0x0000, 0x0001, 0x003C, 0x0007, 0xFFFF, 0xFFFF, 0x00FF,
	}}, // BITMAP1
}
