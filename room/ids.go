package room

import (
	"fmt"
)

// idFactory issues session-unique ids of the form "<actor>:<counter>".
// Node ids and op ids draw from separate counters. A new actor restarts both
// counters; reconnecting with the same actor (a reused token) continues them,
// so ids issued across sessions never collide.
type idFactory struct {
	actor     int
	nodeCount int
	opCount   int
}

func newIdFactory() *idFactory {
	return &idFactory{
		actor: -1,
	}
}

func (self *idFactory) setActor(actor int) {
	if self.actor != actor {
		self.actor = actor
		self.nodeCount = 0
		self.opCount = 0
	}
}

func (self *idFactory) nextNodeId() string {
	id := fmt.Sprintf("%d:%d", self.actor, self.nodeCount)
	self.nodeCount += 1
	return id
}

func (self *idFactory) nextOpId() string {
	id := fmt.Sprintf("%d:%d", self.actor, self.opCount)
	self.opCount += 1
	return id
}
