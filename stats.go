package cryptofs

import "sync/atomic"

// Stats receives file system counters. Implementations must be safe for
// concurrent use and have no effect on behavior.
type Stats interface {
	CacheStats
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	AddBytesEncrypted(n int64)
	AddBytesDecrypted(n int64)
}

// FileSystemStats counts activity in memory. Each Poll method returns the
// count accumulated since the previous poll and resets it.
type FileSystemStats struct {
	chunkCacheAccesses atomic.Int64
	chunkCacheMisses   atomic.Int64
	bytesRead          atomic.Int64
	bytesWritten       atomic.Int64
	bytesEncrypted     atomic.Int64
	bytesDecrypted     atomic.Int64
}

func (s *FileSystemStats) AddChunkCacheAccess()      { s.chunkCacheAccesses.Add(1) }
func (s *FileSystemStats) AddChunkCacheMiss()        { s.chunkCacheMisses.Add(1) }
func (s *FileSystemStats) AddBytesRead(n int64)      { s.bytesRead.Add(n) }
func (s *FileSystemStats) AddBytesWritten(n int64)   { s.bytesWritten.Add(n) }
func (s *FileSystemStats) AddBytesEncrypted(n int64) { s.bytesEncrypted.Add(n) }
func (s *FileSystemStats) AddBytesDecrypted(n int64) { s.bytesDecrypted.Add(n) }

func (s *FileSystemStats) PollChunkCacheAccesses() int64 { return s.chunkCacheAccesses.Swap(0) }
func (s *FileSystemStats) PollChunkCacheMisses() int64   { return s.chunkCacheMisses.Swap(0) }
func (s *FileSystemStats) PollBytesRead() int64          { return s.bytesRead.Swap(0) }
func (s *FileSystemStats) PollBytesWritten() int64       { return s.bytesWritten.Swap(0) }
func (s *FileSystemStats) PollBytesEncrypted() int64     { return s.bytesEncrypted.Swap(0) }
func (s *FileSystemStats) PollBytesDecrypted() int64     { return s.bytesDecrypted.Swap(0) }

// PollChunkCacheHits returns accesses minus misses since the previous poll
// of both counters.
func (s *FileSystemStats) PollChunkCacheHits() int64 {
	return s.PollChunkCacheAccesses() - s.PollChunkCacheMisses()
}

// noopStats discards everything
type noopStats struct{}

func (noopStats) AddChunkCacheAccess()    {}
func (noopStats) AddChunkCacheMiss()      {}
func (noopStats) AddBytesRead(int64)      {}
func (noopStats) AddBytesWritten(int64)   {}
func (noopStats) AddBytesEncrypted(int64) {}
func (noopStats) AddBytesDecrypted(int64) {}
