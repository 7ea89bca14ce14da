package reactor

import (
	"sync"
)

// taskChunkSize is the number of tasks per node of a taskList.
// 128 tasks * 16 bytes/task = ~2KB per chunk.
const taskChunkSize = 128

// Task is a unit of run-to-completion work, tagged with the scheduling group
// whose queue it runs from.
type Task struct {
	fn    func()
	group SchedulingGroup
}

// NewTask returns a task running fn in group.
func NewTask(group SchedulingGroup, fn func()) Task {
	return Task{fn: fn, group: group}
}

// Group returns the task's scheduling group.
func (t Task) Group() SchedulingGroup { return t.group }

// taskList is a chunked linked-list FIFO of tasks, supporting pushes at
// either end.
//
// Thread Safety: NOT thread-safe. Every list is owned by one reactor, or
// guarded by the ingress mutex.
type taskList struct { // betteralign:ignore
	head   *taskChunk
	tail   *taskChunk
	length int
}

var taskChunkPool = sync.Pool{
	New: func() any {
		return &taskChunk{}
	},
}

// taskChunk is a fixed-size node. Slots [readPos, pos) hold tasks.
type taskChunk struct {
	tasks   [taskChunkSize]Task
	next    *taskChunk
	readPos int
	pos     int
}

func newTaskChunk() *taskChunk {
	c := taskChunkPool.Get().(*taskChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnTaskChunk assumes every slot was already cleared by PopFront.
func returnTaskChunk(c *taskChunk) {
	c.pos = 0
	c.readPos = 0
	c.next = nil
	taskChunkPool.Put(c)
}

// PushBack appends a task.
func (q *taskList) PushBack(t Task) {
	if q.tail == nil {
		q.tail = newTaskChunk()
		q.head = q.tail
	}
	if q.tail.pos == taskChunkSize {
		c := newTaskChunk()
		q.tail.next = c
		q.tail = c
	}
	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

// PushFront prepends a task, which will be the next one popped.
func (q *taskList) PushFront(t Task) {
	if q.head == nil || q.head.readPos == 0 {
		if q.head != nil && q.head.readPos == q.head.pos {
			// empty head chunk, reuse it from the end
			q.head.readPos, q.head.pos = taskChunkSize, taskChunkSize
		} else {
			c := newTaskChunk()
			c.readPos, c.pos = taskChunkSize, taskChunkSize
			c.next = q.head
			q.head = c
			if q.tail == nil {
				q.tail = c
			}
		}
	}
	q.head.readPos--
	q.head.tasks[q.head.readPos] = t
	q.length++
}

// PopFront removes and returns the first task, or false if empty.
func (q *taskList) PopFront() (Task, bool) {
	if q.length == 0 {
		return Task{}, false
	}

	for q.head.readPos >= q.head.pos {
		old := q.head
		q.head = q.head.next
		returnTaskChunk(old)
	}

	t := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = Task{}
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			returnTaskChunk(old)
		}
	}

	return t, true
}

// Len returns the number of tasks.
func (q *taskList) Len() int {
	return q.length
}
