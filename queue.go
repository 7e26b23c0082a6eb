package tin

// taskQueue is a FIFO of tasks linked through Task.schedlink. A task can be
// on at most one taskQueue or taskList at a time.
type taskQueue struct {
	head *Task
	tail *Task
}

func (q *taskQueue) empty() bool {
	return q.head == nil
}

// pushBack adds t to the tail of q.
func (q *taskQueue) pushBack(t *Task) {
	t.schedlink = nil
	if q.tail != nil {
		q.tail.schedlink = t
	} else {
		q.head = t
	}
	q.tail = t
}

// pushBackAll moves all tasks in other to the tail of q, leaving other empty.
func (q *taskQueue) pushBackAll(other *taskQueue) {
	if other.tail == nil {
		return
	}
	other.tail.schedlink = nil
	if q.tail != nil {
		q.tail.schedlink = other.head
	} else {
		q.head = other.head
	}
	q.tail = other.tail
	*other = taskQueue{}
}

// pop removes and returns the head of q, or nil if q is empty.
func (q *taskQueue) pop() *Task {
	t := q.head
	if t != nil {
		q.head = t.schedlink
		if q.head == nil {
			q.tail = nil
		}
		t.schedlink = nil
	}
	return t
}

// taskList is a LIFO of tasks linked through Task.schedlink.
type taskList struct {
	head *Task
}

func (l *taskList) empty() bool {
	return l.head == nil
}

func (l *taskList) push(t *Task) {
	t.schedlink = l.head
	l.head = t
}

func (l *taskList) pop() *Task {
	t := l.head
	if t != nil {
		l.head = t.schedlink
		t.schedlink = nil
	}
	return t
}
