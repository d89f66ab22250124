// Package snapshot implements the named-snapshot metadata store (§4.5): a
// name -> (lsid, id) index persisted across the log device's reserved
// snapshot-metadata region, with add/del/get/list operations and bounded
// pagination.
//
// The name index is grounded on the teacher's LoggerManager.loggers
// sync.Map (eventName -> *Logger), generalized from "get-or-create a
// logger" to "add-if-absent a snapshot slot"; the EEXIST check is a Load
// followed by a Store under the store's mutex.
package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/walberrors"
)

// Entry is one live snapshot's ordering key plus its identity.
type Entry struct {
	LSID uint64
	ID   uint32 // global slot number: sectorIndex*maxPerSector + localSlot
	Name string
}

// Store owns the snapshot-metadata region of L: nSectors contiguous
// sectors starting at startSector, each an independent
// logformat.SnapshotSector.
type Store struct {
	logDev      blockdev.Device
	startSector uint64
	nSectors    uint32
	sectorSize  int
	salt        uint32
	maxPerSector int

	mu      sync.Mutex
	sectors []*logformat.SnapshotSector
	ordered []Entry // sorted by (LSID, ID), maintained on every mutation

	nameIndex sync.Map // name (string) -> global slot id (uint32)
}

// Open loads the snapshot-metadata region from L and builds the in-memory
// name and ordering indexes. A sector whose checksum fails to validate is
// treated as empty (zero bitmap), per spec.md §4.5's init behavior.
func Open(logDev blockdev.Device, startSector uint64, nSectors uint32, sectorSize int, salt uint32) (*Store, error) {
	s := &Store{
		logDev:       logDev,
		startSector:  startSector,
		nSectors:     nSectors,
		sectorSize:   sectorSize,
		salt:         salt,
		maxPerSector: logformat.MaxSnapshotsPerSector(sectorSize),
		sectors:      make([]*logformat.SnapshotSector, nSectors),
	}

	for i := uint32(0); i < nSectors; i++ {
		buf := make([]byte, sectorSize)
		if _, err := logDev.ReadAt(buf, int64(startSector+uint64(i))*int64(sectorSize)); err != nil {
			return nil, fmt.Errorf("snapshot: read sector %d: %w", i, err)
		}
		sec, _ := logformat.DecodeSnapshotSector(buf, salt) // invalid checksum -> empty sector, not fatal
		s.sectors[i] = sec

		for slot := 1; slot <= s.maxPerSector; slot++ {
			if !sec.IsLive(slot) {
				continue
			}
			rec := sec.Records[slot]
			id := s.globalID(i, slot)
			name := rec.NameString()
			s.nameIndex.Store(name, id)
			s.ordered = append(s.ordered, Entry{LSID: rec.LSID, ID: id, Name: name})
		}
	}
	sort.Slice(s.ordered, func(i, j int) bool { return less(s.ordered[i], s.ordered[j]) })

	return s, nil
}

func less(a, b Entry) bool {
	if a.LSID != b.LSID {
		return a.LSID < b.LSID
	}
	return a.ID < b.ID
}

func (s *Store) globalID(sectorIdx uint32, slot int) uint32 {
	return sectorIdx*uint32(s.maxPerSector) + uint32(slot)
}

func (s *Store) sectorAndSlot(id uint32) (uint32, int) {
	return (id - 1) / uint32(s.maxPerSector), int((id-1)%uint32(s.maxPerSector)) + 1
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", walberrors.ErrInvalidName)
	}
	if len(name) >= logformat.SnapshotNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", walberrors.ErrInvalidName, logformat.SnapshotNameLen-1)
	}
	return nil
}

// Add creates a new snapshot record named name pointing at lsid. Returns
// walberrors.ErrExists if the name is taken, walberrors.ErrNoSpace if no
// free slot remains in the metadata region.
func (s *Store) Add(name string, lsid uint64) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nameIndex.Load(name); exists {
		return Entry{}, walberrors.ErrExists
	}

	sectorIdx, slot, ok := s.findFreeSlot()
	if !ok {
		return Entry{}, walberrors.ErrNoSpace
	}

	var nameBuf [logformat.SnapshotNameLen]byte
	copy(nameBuf[:], name)
	rec := logformat.SnapshotRecord{LSID: lsid, Timestamp: uint64(time.Now().Unix()), Name: nameBuf}

	sec := s.sectors[sectorIdx]
	sec.Records[slot] = rec
	sec.SetLive(slot, true)
	if err := s.persistSector(sectorIdx); err != nil {
		sec.SetLive(slot, false)
		return Entry{}, err
	}

	id := s.globalID(sectorIdx, slot)
	entry := Entry{LSID: lsid, ID: id, Name: name}
	s.nameIndex.Store(name, id)
	s.insertOrdered(entry)

	return entry, nil
}

// Del removes the snapshot named name. Returns walberrors.ErrNotFound if
// it does not exist.
func (s *Store) Del(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idVal, exists := s.nameIndex.Load(name)
	if !exists {
		return walberrors.ErrNotFound
	}
	id := idVal.(uint32)
	return s.deleteByID(id, name)
}

// DelRange removes every snapshot with LSID in [begin, end) and returns the
// count removed.
func (s *Store) DelRange(begin, end uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].LSID >= begin })
	var toRemove []Entry
	for i := lo; i < len(s.ordered) && s.ordered[i].LSID < end; i++ {
		toRemove = append(toRemove, s.ordered[i])
	}
	for _, e := range toRemove {
		if err := s.deleteByID(e.ID, e.Name); err != nil {
			return len(toRemove), err
		}
	}
	return len(toRemove), nil
}

// deleteByID clears the slot and both indexes. Caller holds s.mu.
func (s *Store) deleteByID(id uint32, name string) error {
	sectorIdx, slot := s.sectorAndSlot(id)
	sec := s.sectors[sectorIdx]
	if !sec.IsLive(slot) {
		return walberrors.ErrNotFound
	}

	saved := sec.Records[slot]
	sec.SetLive(slot, false)
	if err := s.persistSector(sectorIdx); err != nil {
		sec.SetLive(slot, true)
		sec.Records[slot] = saved
		return err
	}

	s.nameIndex.Delete(name)
	for i, e := range s.ordered {
		if e.ID == id {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the snapshot record named name.
func (s *Store) Get(name string) (logformat.SnapshotRecord, bool) {
	idVal, exists := s.nameIndex.Load(name)
	if !exists {
		return logformat.SnapshotRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sectorIdx, slot := s.sectorAndSlot(idVal.(uint32))
	return s.sectors[sectorIdx].Records[slot], true
}

// ListRange returns up to limit live entries with LSID in [begin, end),
// ordered, plus the LSID a caller should pass as the next call's begin
// (nextLSID) and whether entries remain in range beyond what was returned
// (spec.md §4.5, scenario 6: bounded-size pagination). limit <= 0 means no
// cap, returning every matching entry in one call. next is
// logformat.InvalidLSID when nothing was returned.
func (s *Store) ListRange(begin, end uint64, limit int) (entries []Entry, next uint64, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].LSID >= begin })
	hi := lo
	for hi < len(s.ordered) && s.ordered[hi].LSID < end {
		hi++
	}

	capEnd := hi
	if limit > 0 && lo+limit < hi {
		capEnd = lo + limit
	}
	out := append([]Entry(nil), s.ordered[lo:capEnd]...)

	if len(out) == 0 {
		return out, logformat.InvalidLSID, false
	}
	return out, out[len(out)-1].LSID + 1, capEnd < hi
}

// Entries returns a copy of every live entry, ordered, bypassing the bounded
// list_range/list_from pagination contract. Used internally by clear_log,
// which must drop every snapshot regardless of how many there are.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.ordered...)
}

// ListFrom returns up to limit entries with LSID >= from, plus the LSID a
// caller should pass as `from` on the next call to continue (nextLSID) and
// whether more entries remain (spec.md §4.5 scenario 6, bounded pagination).
func (s *Store) ListFrom(from uint64, limit int) (entries []Entry, nextLSID uint64, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].LSID >= from })
	end := lo + limit
	if end > len(s.ordered) {
		end = len(s.ordered)
	}
	out := append([]Entry(nil), s.ordered[lo:end]...)

	if len(out) == 0 {
		return out, logformat.InvalidLSID, false
	}
	return out, out[len(out)-1].LSID + 1, end < len(s.ordered)
}

// NRecordsRange counts live entries with LSID in [begin, end).
func (s *Store) NRecordsRange(begin, end uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].LSID >= begin })
	n := 0
	for i := lo; i < len(s.ordered) && s.ordered[i].LSID < end; i++ {
		n++
	}
	return n
}

// insertOrdered inserts e into s.ordered keeping it sorted. Caller holds s.mu.
func (s *Store) insertOrdered(e Entry) {
	i := sort.Search(len(s.ordered), func(i int) bool { return less(e, s.ordered[i]) })
	s.ordered = append(s.ordered, Entry{})
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = e
}

// findFreeSlot scans sectors for the first unused slot. Caller holds s.mu.
func (s *Store) findFreeSlot() (uint32, int, bool) {
	for i := uint32(0); i < s.nSectors; i++ {
		sec := s.sectors[i]
		for slot := 1; slot <= s.maxPerSector; slot++ {
			if !sec.IsLive(slot) {
				return i, slot, true
			}
		}
	}
	return 0, 0, false
}

// persistSector marshals and writes sector i back to L, flushing for
// durability. Caller holds s.mu.
func (s *Store) persistSector(i uint32) error {
	buf := s.sectors[i].Marshal(s.sectorSize, s.salt)
	off := int64(s.startSector+uint64(i)) * int64(s.sectorSize)
	if _, err := s.logDev.WriteVectored([][]byte{buf}, off); err != nil {
		return fmt.Errorf("snapshot: write sector %d: %w", i, err)
	}
	return s.logDev.Flush()
}

// Count returns the number of live snapshot records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}
