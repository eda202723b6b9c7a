package fatcore

// registry owns every descriptor of a volume. Descriptors are keyed by their
// location key. Live descriptors are unique per key, removed ones are not:
// a location can be reused while several removed descriptors are still open.
type registry struct {
	live    map[uint64]*FatFile
	removed map[uint64][]*FatFile
}

func newRegistry() *registry {
	return &registry{
		live:    make(map[uint64]*FatFile),
		removed: make(map[uint64][]*FatFile),
	}
}

func (r *registry) lookup(key uint64) *FatFile {
	return r.live[key]
}

func (r *registry) insert(key uint64, f *FatFile) {
	r.live[key] = f
}

// remove drops f from the live descriptors if it is the one stored at key.
func (r *registry) remove(key uint64, f *FatFile) {
	if r.live[key] == f {
		delete(r.live, key)
	}
}

// markRemoved moves f from the live to the removed descriptors.
func (r *registry) markRemoved(key uint64, f *FatFile) {
	r.remove(key, f)
	r.removed[key] = append(r.removed[key], f)
}

// dropRemoved purges f from the removed descriptors.
func (r *registry) dropRemoved(key uint64, f *FatFile) {
	list := r.removed[key]
	for i, candidate := range list {
		if candidate == f {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.removed, key)
		return
	}
	r.removed[key] = list
}

// collides reports whether a removed descriptor at key still uses the
// location derived inode number key.
func (r *registry) collides(key uint64) bool {
	for _, f := range r.removed[key] {
		if f.ino == key {
			return true
		}
	}
	return false
}

func (r *registry) count() (live, removed int) {
	for _, list := range r.removed {
		removed += len(list)
	}
	return len(r.live), removed
}

func (r *registry) clear() {
	for key, f := range r.live {
		f.vol = nil
		delete(r.live, key)
	}
	for key, list := range r.removed {
		for _, f := range list {
			f.vol = nil
		}
		delete(r.removed, key)
	}
}
