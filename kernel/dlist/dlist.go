// Package dlist implements the intrusive doubly linked list used throughout
// the kernel for runqueues, sleep queues, pend queues and the VAS free/
// allocated extent sets (spec.md §9 "Intrusive lists everywhere"). Consumers
// embed a Node value inside their own struct instead of allocating a
// separate list element, so inserting into a hot-path list never allocates.
//
// This mirrors the out-of-scope "doubly-linked list and red-black tree
// utilities" spec.md §1 names as an external collaborator consumed as a
// generic building block; the core still needs a concrete implementation to
// link against, so we provide the minimal one ourselves rather than leaving
// every queue in the kernel hand-rolled.
package dlist

// Node is embedded by any value that participates in a List.
type Node struct {
	prev, next *Node
	list       *List
}

// List is an intrusive doubly linked list head. The zero value is an empty,
// ready to use list.
type List struct {
	head, tail *Node
	len        int
}

// Len returns the number of nodes currently linked into l.
func (l *List) Len() int { return l.len }

// Empty reports whether l has no linked nodes.
func (l *List) Empty() bool { return l.len == 0 }

// PushFront links n at the head of l.
func (l *List) PushFront(n *Node) {
	n.list = l
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.len++
}

// PushBack links n at the tail of l.
func (l *List) PushBack(n *Node) {
	n.list = l
	n.next = nil
	n.prev = l.tail
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.len++
}

// Remove unlinks n from whatever list it is currently part of. Removing a
// node that is not linked into any list is a no-op.
func (l *List) Remove(n *Node) {
	if n.list != l {
		return
	}

	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}

	n.prev, n.next, n.list = nil, nil, nil
	l.len--
}

// Front returns the first node in l, or nil if l is empty.
func (l *List) Front() *Node { return l.head }

// Back returns the last node in l, or nil if l is empty.
func (l *List) Back() *Node { return l.tail }

// Next returns the node following n in its list, or nil.
func (n *Node) Next() *Node { return n.next }

// Prev returns the node preceding n in its list, or nil.
func (n *Node) Prev() *Node { return n.prev }

// Linked reports whether n is currently linked into a list.
func (n *Node) Linked() bool { return n.list != nil }

// Each invokes fn for every node currently in l, front to back. fn may
// safely remove the node it was called with (and only that node) from l.
func (l *List) Each(fn func(*Node)) {
	for n := l.head; n != nil; {
		next := n.next
		fn(n)
		n = next
	}
}
