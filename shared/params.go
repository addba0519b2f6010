package shared

// Protocol constants. Generator and validator must agree on every value
// here bit-for-bit; changing any of them is a hard fork.
const (
	// HashSize is the size of every hash and target in the protocol.
	HashSize = 32

	// MixRounds is the number of scratchpad mixing rounds performed to
	// derive an announcement hash.
	MixRounds = 8

	// MixChunkSize is the number of scratchpad bytes read per mixing round.
	MixChunkSize = 64

	// NumAnnouncements is the number of announcement references cited by
	// every solution.
	NumAnnouncements = 4

	// MaxHeaderSize bounds the size of header fields accepted on the wire.
	MaxHeaderSize = 128

	// ExpandBlockSize is the block granularity of the scratchpad
	// expansion function (one sha256 digest per block).
	ExpandBlockSize = 32

	// DefaultScratchpadSize is the consensus buffer size. Tests use
	// smaller buffers; the size in force is carried by the work template.
	DefaultScratchpadSize = 256 << 20

	// MinScratchpadSize is the smallest buffer the expansion function
	// accepts. Mixing reads MixChunkSize bytes at arbitrary offsets, so
	// anything smaller cannot serve a single round.
	MinScratchpadSize = 2 * MixChunkSize
)
