// Package rsyncstats holds the end-of-transfer counters exchanged
// between sender and receiver at the end of a session.
package rsyncstats

// TransferStats reports the byte counts a session ends with: how much
// was read from and written to the network connection, and the total
// size of the files transferred.
type TransferStats struct {
	Read    int64
	Written int64
	Size    int64
}
