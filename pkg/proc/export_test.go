package proc

// SetFrameSection replaces the .eh_frame contents of bi, loaded at addr.
func (bi *BinaryInfo) SetFrameSection(data []byte, addr uint64) {
	bi.ehFrame, bi.ehFrameAddr = data, addr
}

// CachedRows returns the number of unwind rows held by u.
func (u *Unwinder) CachedRows() int {
	return u.cache.Len()
}
