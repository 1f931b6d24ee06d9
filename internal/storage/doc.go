// Package storage provides the persistence layer used by notifyfwd.
//
// It currently supports:
//   - Notifications (create, load, mark viewed)
//   - The user directory (privilege flag + linked external chat identity)
//   - In-flight dispatch claims (to survive restarts and multiple processes)
package storage
