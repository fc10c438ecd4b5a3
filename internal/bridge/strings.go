package bridge

import "sync"

// StringRef identifies a string returned across the boundary. The caller
// releases it with FreeString once copied out; a freed ref is invalid.
type StringRef uint64

var (
	stringMu    sync.Mutex
	nextString  StringRef = 1
	stringTable           = make(map[StringRef]string)
)

func internString(s string) StringRef {
	stringMu.Lock()
	defer stringMu.Unlock()
	ref := nextString
	nextString++
	stringTable[ref] = s
	return ref
}

// GetString resolves a ref to its string.
func GetString(ref StringRef) (string, bool) {
	stringMu.Lock()
	defer stringMu.Unlock()
	s, ok := stringTable[ref]
	return s, ok
}

// FreeString releases a ref. Freeing an unknown or already-freed ref
// reports false.
func FreeString(ref StringRef) bool {
	stringMu.Lock()
	defer stringMu.Unlock()
	if _, ok := stringTable[ref]; !ok {
		return false
	}
	delete(stringTable, ref)
	return true
}
