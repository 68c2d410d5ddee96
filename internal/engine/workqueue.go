package engine

// RecipeFunc is invoked by the Walker for a traversal Job. It returns the
// resolved FixupTarget for the job's pointer site (if the job has one),
// or an error that latches the engine. A nil target with no error means
// "nothing to fix up" (e.g. a root-level traversal with no back-pointer).
type RecipeFunc func(h Host, target SourceAddress) (*FixupTarget, error)

// Job is a deferred traversal unit. If SiteRange is non-zero-valued (see
// HasSite), the Job's result is installed into the FixupMap at
// (SiteRange, SiteOffset) via insert_force once Recipe runs.
type Job struct {
	SiteRange  RangeID
	SiteOffset int64
	HasSite    bool
	SiteAddr   SourceAddress

	TargetAddr SourceAddress
	ElemSize   int64
	ElemCount  int64
	ElemIndex  int64
	Cookie     any

	Recipe RecipeFunc
}

const defaultBlockSize = 256

// WorkQueue is a FIFO of Jobs stored in linked blocks of fixed capacity,
// so that a long traversal never requires a single giant reallocation
// and push/pop stay O(1) amortized.
type WorkQueue struct {
	blockSize int
	blocks    []*workBlock
	headIdx   int // index of next job to pop, within blocks[0]
	count     int
}

type workBlock struct {
	jobs []Job
}

// NewWorkQueue creates an empty queue with the given block size (number
// of Jobs per allocated block).
func NewWorkQueue(blockSize int) *WorkQueue {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &WorkQueue{blockSize: blockSize}
}

// Push enqueues j at the tail, spilling into a freshly allocated block
// when the current tail block is full.
func (q *WorkQueue) Push(j Job) {
	if len(q.blocks) == 0 || len(q.blocks[len(q.blocks)-1].jobs) >= q.blockSize {
		q.blocks = append(q.blocks, &workBlock{jobs: make([]Job, 0, q.blockSize)})
	}
	tail := q.blocks[len(q.blocks)-1]
	tail.jobs = append(tail.jobs, j)
	q.count++
}

// Pop removes and returns the job at the head of the queue.
func (q *WorkQueue) Pop() (Job, bool) {
	if q.count == 0 {
		return Job{}, false
	}
	head := q.blocks[0]
	j := head.jobs[q.headIdx]
	q.headIdx++
	q.count--
	if q.headIdx >= len(head.jobs) {
		q.blocks = q.blocks[1:]
		q.headIdx = 0
	}
	return j, true
}

// Clear releases all blocks but the head (matching the spec's
// `clear` semantics: drop everything queued, but keep the current block
// allocation alive for reuse).
func (q *WorkQueue) Clear() {
	if len(q.blocks) > 1 {
		q.blocks = q.blocks[:1]
	}
	if len(q.blocks) == 1 {
		q.blocks[0].jobs = q.blocks[0].jobs[:0]
	}
	q.headIdx = 0
	q.count = 0
}

// Empty reports whether the queue has no pending jobs.
func (q *WorkQueue) Empty() bool { return q.count == 0 }

// Size returns the number of blocks currently allocated.
func (q *WorkQueue) Size() int { return len(q.blocks) }

// ElementCount returns the number of pending jobs.
func (q *WorkQueue) ElementCount() int { return q.count }
