package crypto

import "encoding/binary"

const (
	entryDomain    = "memvault/entry/v1"
	manifestDomain = "memvault/manifest/v1"
)

// EntryAD binds an entry ciphertext to its logical identity.
// Layout: domain || str(store_id) || str(id) || u64be(version) || str(kind),
// where str(x) is a u16be length followed by the bytes of x.
func EntryAD(storeID, id string, version uint64, kind string) []byte {
	buf := make([]byte, 0, len(entryDomain)+6+len(storeID)+len(id)+len(kind)+8)
	buf = append(buf, entryDomain...)
	buf = appendString(buf, storeID)
	buf = appendString(buf, id)
	buf = binary.BigEndian.AppendUint64(buf, version)
	buf = appendString(buf, kind)
	return buf
}

// ManifestAD binds the manifest ciphertext to its store.
func ManifestAD(storeID string) []byte {
	buf := make([]byte, 0, len(manifestDomain)+2+len(storeID))
	buf = append(buf, manifestDomain...)
	return appendString(buf, storeID)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
