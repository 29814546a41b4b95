package sync

// Epoch reports how many times the job log has been purged.
func (r *Repository) Epoch() uint64 {
	return r.epoch.Load()
}
