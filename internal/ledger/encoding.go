package ledger

import (
	"encoding/binary"
	"fmt"
)

// EncodeKey builds a vault key out of a prefix and segments.
func EncodeKey(prefix uint8, segments ...interface{}) []byte {
	key := []byte{prefix}
	var val []byte
	for _, segment := range segments {
		switch s := segment.(type) {
		case uint64:
			val = make([]byte, 8)
			binary.BigEndian.PutUint64(val, s)
		case uint32:
			val = make([]byte, 4)
			binary.BigEndian.PutUint32(val, s)
		case TxID:
			val = make([]byte, len(s))
			copy(val, s[:])
		case StateRef:
			val = make([]byte, 0, len(s.TxID)+4)
			val = append(val, s.TxID[:]...)
			val = binary.BigEndian.AppendUint32(val, s.Index)
		default:
			panic(fmt.Sprintf("unknown type (%T)", segment))
		}
		key = append(key, val...)
	}

	return key
}

// stateRefSize is the encoded size of a StateRef.
const stateRefSize = len(TxID{}) + 4

// decodeStateRef reads the StateRef stored at the end of a key.
func decodeStateRef(key []byte) (StateRef, error) {
	if len(key) < stateRefSize {
		return StateRef{}, fmt.Errorf("key too short for a state reference (%x)", key)
	}
	tail := key[len(key)-stateRefSize:]
	var ref StateRef
	copy(ref.TxID[:], tail)
	ref.Index = binary.BigEndian.Uint32(tail[len(ref.TxID):])
	return ref, nil
}
