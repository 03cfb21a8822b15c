package fs

// Guest ABI constants, as defined by Emscripten's wasm32 libc.
const (
	AtFdCwd           int32 = -100
	AtSymlinkNoFollow int32 = 0x100
	AtRemoveDir       int32 = 0x200
	AtSymlinkFollow   int32 = 0x400
	AtEmptyPath       int32 = 0x1000

	OAccMode   int32 = 03
	ORdOnly    int32 = 0
	OWrOnly    int32 = 01
	ORdWr      int32 = 02
	OCreat     int32 = 0100
	OExcl      int32 = 0200
	ONoCtty    int32 = 0400
	OTrunc     int32 = 01000
	OAppend    int32 = 02000
	ONonBlock  int32 = 04000
	ODSync     int32 = 010000
	ODirectory int32 = 0200000
	ONoFollow  int32 = 0400000
	OCloExec   int32 = 02000000
	OSync      int32 = 04010000
	OPath      int32 = 010000000
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// fcntl commands. Emscripten's musl uses the 64-bit lock commands 12-14;
// the legacy 5-7 numbering is accepted as well.
const (
	FDupFd        int32 = 0
	FGetFd        int32 = 1
	FSetFd        int32 = 2
	FGetFl        int32 = 3
	FSetFl        int32 = 4
	FGetLk        int32 = 12
	FSetLk        int32 = 13
	FSetLkW       int32 = 14
	FGetLkLegacy  int32 = 5
	FSetLkLegacy  int32 = 6
	FSetLkWLegacy int32 = 7
	FSetOwn       int32 = 8
	FGetOwn       int32 = 9
	FDupFdCloExec int32 = 1030

	FdCloExec int32 = 1
)

// Lock types in struct flock.
const (
	FRdLck int16 = 0
	FWrLck int16 = 1
	FUnLck int16 = 2
)

// utimensat sentinels carried in tv_nsec.
const (
	UtimeNow  int64 = 0x3fffffff
	UtimeOmit int64 = 0x3ffffffe
)

// access(2) mode bits.
const (
	FOK = 0
	XOK = 1
	WOK = 2
	ROK = 4
)

// File type bits of st_mode.
const (
	SIfMt   uint32 = 0170000
	SIfSock uint32 = 0140000
	SIfLnk  uint32 = 0120000
	SIfReg  uint32 = 0100000
	SIfBlk  uint32 = 0060000
	SIfDir  uint32 = 0040000
	SIfChr  uint32 = 0020000
	SIfIfo  uint32 = 0010000
)

// BlockSize is reported as st_blksize; st_blocks counts units of it.
const BlockSize = 4096
