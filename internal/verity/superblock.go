package verity

import (
	"encoding/binary"
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// marshalSuperblock encodes sb into a BlockSize-byte block; unused
// regions are left zero, per spec §4.4 step 6.
func marshalSuperblock(sb Superblock) []byte {
	buf := make([]byte, SuperblockSize)
	copy(buf[0:8], signature[:])
	binary.LittleEndian.PutUint32(buf[8:12], 1) // version
	binary.LittleEndian.PutUint32(buf[12:16], 1) // hash_type
	uuid := gptguid.ToDisk(sb.UUID)
	copy(buf[16:32], uuid[:])
	copy(buf[32:64], algorithmName[:])
	binary.LittleEndian.PutUint32(buf[64:68], sb.DataBlockSize)
	binary.LittleEndian.PutUint32(buf[68:72], sb.HashBlockSize)
	binary.LittleEndian.PutUint64(buf[72:80], sb.DataBlocks)
	binary.LittleEndian.PutUint32(buf[80:84], SaltSize)
	copy(buf[84:84+SaltSize], sb.Salt[:])
	return buf
}

// unmarshalSuperblock decodes a BlockSize-byte block into a
// Superblock, validating the signature and salt size.
func unmarshalSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockSize {
		return Superblock{}, cvmerr.New(cvmerr.InvalidArgument, "verity.unmarshalSuperblock", fmt.Errorf("short buffer"))
	}
	var sig [8]byte
	copy(sig[:], buf[0:8])
	if sig != signature {
		return Superblock{}, cvmerr.New(cvmerr.CorruptFormat, "verity.unmarshalSuperblock", fmt.Errorf("bad signature %q", sig))
	}

	var sb Superblock
	var uuid [16]byte
	copy(uuid[:], buf[16:32])
	sb.UUID = gptguid.FromDisk(uuid)
	sb.DataBlockSize = binary.LittleEndian.Uint32(buf[64:68])
	sb.HashBlockSize = binary.LittleEndian.Uint32(buf[68:72])
	sb.DataBlocks = binary.LittleEndian.Uint64(buf[72:80])
	saltSize := binary.LittleEndian.Uint32(buf[80:84])
	if saltSize != SaltSize {
		return Superblock{}, cvmerr.New(cvmerr.CorruptFormat, "verity.unmarshalSuperblock", fmt.Errorf("unsupported salt size %d", saltSize))
	}
	copy(sb.Salt[:], buf[84:84+SaltSize])
	return sb, nil
}
