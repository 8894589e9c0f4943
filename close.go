package rungo

// Close releases the catalog and closes its backend store.
//
// Views derived through Search share the backend, so closing any view closes
// them all. Close is idempotent; only the first call reaches the store.
func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	return c.store.Close()
}
