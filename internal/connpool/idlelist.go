package connpool

import "container/list"

// idleList is the process-wide MRU-at-tail list used to find the
// least-recently-active connection in O(1): the head is always the next
// candidate for an idle timeout.
type idleList struct {
	l *list.List
}

func newIdleList() *idleList {
	return &idleList{l: list.New()}
}

// touch moves c to the tail, marking it as the most recently active
// connection. It is called on every event the connection handles.
func (il *idleList) touch(c *Connection) {
	if c.idleElem == nil {
		c.idleElem = il.l.PushBack(c)
		return
	}

	il.l.MoveToBack(c.idleElem)
}

func (il *idleList) remove(c *Connection) {
	if c.idleElem == nil {
		return
	}

	il.l.Remove(c.idleElem)
	c.idleElem = nil
}

// head returns the least-recently-active connection, if any.
func (il *idleList) head() (*Connection, bool) {
	front := il.l.Front()
	if front == nil {
		return nil, false
	}

	return front.Value.(*Connection), true
}
