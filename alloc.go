package fatcore

import (
	"github.com/aligator/fatcore/checkpoint"
	"github.com/sirupsen/logrus"
)

// Allocation describes a chain built by ScanForFree.
type Allocation struct {
	// Head is the first cluster of the new chain.
	Head uint32
	// Added is the number of clusters in the chain. It may be less than
	// requested if the volume is full.
	Added uint32
	// Last is the last cluster of the chain, it holds the end of chain marker.
	Last uint32
}

// ScanForFree builds a new chain of up to count free clusters.
//
// The scan starts at the next free cluster hint and wraps around the data area
// at most once. Running out of clusters is no error: the returned Allocation
// just holds fewer clusters than requested. If zeroFill is set the data of every
// new cluster is cleared.
//
// On a device error the partially built chain is rolled back before the error
// is returned.
func (v *Volume) ScanForFree(count uint32, zeroFill bool) (Allocation, error) {
	var a Allocation
	if err := v.checkOpen(); err != nil {
		return a, err
	}
	if count == 0 {
		return a, nil
	}

	savedFree, savedNext := v.freeClusters, v.nextFree

	cluster := v.nextFree
	if !v.validCluster(cluster) {
		cluster = firstDataCluster
	}

	for i := uint32(0); i < v.dataClusters; i++ {
		value, err := v.GetEntry(cluster)
		if err != nil {
			return Allocation{}, v.rollback(a, 0, savedFree, savedNext, err)
		}

		if v.IsFree(value) {
			if err := v.SetEntry(cluster, EndOfChain); err != nil {
				return Allocation{}, v.rollback(a, cluster, savedFree, savedNext, err)
			}

			if a.Added == 0 {
				a.Head = cluster
			} else if err := v.SetEntry(a.Last, cluster); err != nil {
				return Allocation{}, v.rollback(a, cluster, savedFree, savedNext, err)
			}
			a.Last = cluster
			a.Added++

			if zeroFill {
				if err := v.zeroCluster(cluster); err != nil {
					return Allocation{}, v.rollback(a, 0, savedFree, savedNext, err)
				}
			}

			if a.Added == count {
				break
			}
		}

		cluster++
		if cluster > v.dataClusters+1 {
			cluster = firstDataCluster
		}
	}

	if a.Added > 0 {
		v.nextFree = a.Last
		if v.freeClusters != unknownHint {
			if v.freeClusters >= a.Added {
				v.freeClusters -= a.Added
			} else {
				v.freeClusters = 0
			}
		}
	}

	v.log.WithFields(logrus.Fields{
		"requested": count,
		"added":     a.Added,
		"head":      a.Head,
		"last":      a.Last,
	}).Trace("allocated cluster chain")

	return a, nil
}

// rollback is the single undo path of ScanForFree. It frees every cluster of
// the chain built so far and the orphan, which may already hold an end of chain
// marker without being linked, and restores both allocation hints.
// It always returns cause.
func (v *Volume) rollback(a Allocation, orphan, free, next uint32, cause error) error {
	if a.Added > 0 {
		if _, err := v.unlinkChain(a.Head); err != nil {
			v.log.WithError(err).WithField("head", a.Head).Warn("could not roll back cluster chain")
		}
	}
	if orphan != 0 {
		if err := v.SetEntry(orphan, FreeCluster); err != nil {
			v.log.WithError(err).WithField("cluster", orphan).Warn("could not release cluster")
		}
	}

	v.freeClusters = free
	v.nextFree = next
	return cause
}

// FreeChain marks every cluster of the chain starting at head as free.
//
// The free cluster hint is incremented by the number of freed clusters even if
// the walk stops early because of an error. The FS-Info sector is only written
// on Sync.
func (v *Volume) FreeChain(head uint32) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	freed, err := v.unlinkChain(head)
	if v.freeClusters != unknownHint {
		v.freeClusters += freed
	}
	if err != nil {
		return err
	}

	v.nextFree = head
	v.log.WithFields(logrus.Fields{"head": head, "freed": freed}).Trace("freed cluster chain")
	return nil
}

// unlinkChain frees the chain at head without touching the hints and returns
// the number of freed clusters.
func (v *Volume) unlinkChain(head uint32) (uint32, error) {
	var freed uint32
	cur := head
	for !v.IsEOC(cur) {
		if freed >= v.dataClusters {
			return freed, checkpoint.New(ErrInvalidCluster, "chain at cluster %d does not end", head)
		}

		next, err := v.GetEntry(cur)
		if err != nil {
			return freed, err
		}
		if err := v.SetEntry(cur, FreeCluster); err != nil {
			return freed, err
		}
		freed++
		cur = next
	}
	return freed, nil
}
