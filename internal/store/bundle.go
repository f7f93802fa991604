package store

import (
	"fmt"

	"github.com/kilupskalvis/docsync/internal/models"
)

// BundleCache remembers which bundles were loaded and the named queries
// they carried.
type BundleCache struct{}

// GetBundleMetadata returns the metadata of a loaded bundle, or nil.
func (c *BundleCache) GetBundleMetadata(tx *Transaction, bundleID string) (*models.BundleMetadata, error) {
	data, err := tx.Get(TableBundles, []byte(bundleID))
	if err != nil || data == nil {
		return nil, err
	}
	var meta models.BundleMetadata
	if err := unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SaveBundleMetadata records a loaded bundle. Loading the same bundle again
// overwrites the previous record.
func (c *BundleCache) SaveBundleMetadata(tx *Transaction, meta models.BundleMetadata) error {
	if meta.ID == "" {
		return fmt.Errorf("invalid bundle metadata: empty id")
	}
	data, err := marshal(meta)
	if err != nil {
		return err
	}
	if err := tx.Put(TableBundles, []byte(meta.ID), data); err != nil {
		return fmt.Errorf("store bundle %s: %w", meta.ID, err)
	}
	return nil
}

// GetNamedQuery returns the query stored under name, or nil.
func (c *BundleCache) GetNamedQuery(tx *Transaction, name string) (*models.NamedQuery, error) {
	data, err := tx.Get(TableNamedQueries, []byte(name))
	if err != nil || data == nil {
		return nil, err
	}
	var q models.NamedQuery
	if err := unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// SaveNamedQuery stores query under its name.
func (c *BundleCache) SaveNamedQuery(tx *Transaction, query models.NamedQuery) error {
	if query.Name == "" || query.Query == nil {
		return fmt.Errorf("invalid named query: missing name or query")
	}
	data, err := marshal(query)
	if err != nil {
		return err
	}
	if err := tx.Put(TableNamedQueries, []byte(query.Name), data); err != nil {
		return fmt.Errorf("store named query %s: %w", query.Name, err)
	}
	return nil
}
