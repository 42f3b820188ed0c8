package common

// WorkerID identifies one worker (goroutine) using the shared buffer pool.
// postgres identifies the waiter for sole pin by backend pid. bufmgr has no processes, so
// the buffer manager hands out a WorkerID to each registered worker instead.
type WorkerID uint32

// InvalidWorkerID is not assigned to any worker
const InvalidWorkerID WorkerID = 0
