package relaynote

import (
	"strings"
	"sync"
)

type RecordStoreFactory func(dsn string) (RecordStore, error)

var recordStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecordStoreFactory
}{
	factories: map[string]RecordStoreFactory{},
}

// RegisterRecordStoreFactory makes BuildRecordStoreFromDSN route scheme to
// factory. Registered factories take precedence over built-in schemes.
func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recordStoreRegistry.mu.Lock()
	defer recordStoreRegistry.mu.Unlock()
	recordStoreRegistry.factories[scheme] = factory
}

func lookupRecordStoreFactory(scheme string) (RecordStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	recordStoreRegistry.mu.RLock()
	defer recordStoreRegistry.mu.RUnlock()
	factory, ok := recordStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
