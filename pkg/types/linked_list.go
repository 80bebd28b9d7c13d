package types

// LinkedListNode represents a node in the doubly linked list.
type LinkedListNode[V any] struct {
	next  *LinkedListNode[V]
	prev  *LinkedListNode[V]
	list  *LinkedList[V]
	Value V
}

// Next returns the next node in the list.
func (n *LinkedListNode[V]) Next() *LinkedListNode[V] {
	return n.next
}

// Prev returns the previous node in the list.
func (n *LinkedListNode[V]) Prev() *LinkedListNode[V] {
	return n.prev
}

// LinkedList represents a doubly linked list. The zero value is an empty list ready to use.
type LinkedList[V any] struct {
	head *LinkedListNode[V]
	tail *LinkedListNode[V]
	size int
}

// Len returns the number of elements in the list.
func (l *LinkedList[V]) Len() int {
	return l.size
}

// Front returns the first node of the list or nil if the list is empty.
func (l *LinkedList[V]) Front() *LinkedListNode[V] {
	return l.head
}

// Back returns the last node of the list or nil if the list is empty.
func (l *LinkedList[V]) Back() *LinkedListNode[V] {
	return l.tail
}

// Remove removes a node from the list. Removing a node that belongs to another list (or to no list) is a no-op.
func (l *LinkedList[V]) Remove(n *LinkedListNode[V]) {
	if n == nil || n.list != l {
		return
	}
	l.unlink(n)
	n.list = nil
	l.size--
}

// unlink detaches `n` from its neighbours without touching the size.
func (l *LinkedList[V]) unlink(n *LinkedListNode[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		// Node is the head.
		l.head = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	} else {
		// Node is the tail.
		l.tail = n.prev
	}

	// Clean up the removed node's pointers.
	n.next = nil
	n.prev = nil
}

// PushFront adds a new value to the front of the list.
func (l *LinkedList[V]) PushFront(v V) *LinkedListNode[V] {
	n := &LinkedListNode[V]{Value: v, list: l}
	l.linkFront(n)
	l.size++
	return n
}

// PushBack adds a new value to the back of the list.
func (l *LinkedList[V]) PushBack(v V) *LinkedListNode[V] {
	n := &LinkedListNode[V]{Value: v, prev: l.tail, list: l}
	if l.tail != nil {
		l.tail.next = n
	} else {
		// List was empty.
		l.head = n
	}
	l.tail = n
	l.size++
	return n
}

// MoveToFront moves `n` to the front of the list; it's how recency gets refreshed in LRU lists.
func (l *LinkedList[V]) MoveToFront(n *LinkedListNode[V]) {
	if n == nil || n.list != l || l.head == n {
		return
	}
	l.unlink(n)
	l.linkFront(n)
}

func (l *LinkedList[V]) linkFront(n *LinkedListNode[V]) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else { // List was empty.
		l.tail = n
	}
	l.head = n
}
