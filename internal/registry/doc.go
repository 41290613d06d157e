// Package registry persists the set of running kiln daemons, the reasons
// daemons stopped, and the history of build invocations in a SQLite database
// shared by every client and daemon of one user.
//
// Writers retry on SQLITE_BUSY with exponential backoff because several
// daemon and client processes open the database concurrently. The schema is
// built from embedded migrations; a database written by a newer kiln is
// rejected with ErrSchemaMismatch.
package registry
