// Package device keeps the persisted view of every lock the gateway has seen.
//
// Each lock is a row in the locks table holding its identity, presence flag
// and a JSON state document. The gateway never replaces that document: every
// report arrives as a patch and is merged in with SQLite's json_patch, so a
// heartbeat that only carries the lock bit leaves battery and position alone.
//
// # Architecture
//
//	 omni.Notifier ──► Registry.UpsertState ──► Repository.MergeState ──► locks
//	                        │
//	                        ├──► in-memory cache (GetLock, ListLocks)
//	                        └──► StateHistoryRepository ──► state_history
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	history := device.NewSQLiteStateHistoryRepository(db.DB)
//	registry := device.NewRegistry(repo, history)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// Registry methods are safe for concurrent use. Values returned from the
// registry are deep copies.
package device
